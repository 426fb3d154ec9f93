package gossip

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringlabs/ringcoord/cluster"
)

func TestWriteReadMessageRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello gossip")

	require.NoError(t, writeMessage(&buf, stateMessageType, payload))

	mt, got, err := readMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, stateMessageType, mt)
	require.Equal(t, payload, got)
}

func TestWriteReadMessageWithEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, heartbeatMessageType, nil))

	mt, got, err := readMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, heartbeatMessageType, mt)
	require.Empty(t, got)
}

func TestReadMessageRejectsOversizedLengthPrefix(t *testing.T) {
	header := make([]byte, 5)
	header[0] = byte(stateMessageType)
	// length field says 128MB, well past maxMessageSize.
	header[1], header[2], header[3], header[4] = 0, 0, 0, 8
	buf := bytes.NewBuffer(header)

	_, _, err := readMessage(bufio.NewReader(buf))
	require.Error(t, err)
}

func TestReadMessageMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, stateMessageType, []byte("first")))
	require.NoError(t, writeMessage(&buf, ackMessageType, []byte("second")))

	r := bufio.NewReader(&buf)
	mt1, p1, err := readMessage(r)
	require.NoError(t, err)
	require.Equal(t, stateMessageType, mt1)
	require.Equal(t, []byte("first"), p1)

	mt2, p2, err := readMessage(r)
	require.NoError(t, err)
	require.Equal(t, ackMessageType, mt2)
	require.Equal(t, []byte("second"), p2)
}

func TestEncodeDecodeStateRoundTrips(t *testing.T) {
	local := cluster.DiscoveryNode{ID: "0", Name: "node-0", Address: "0:7000", VersionTag: "v1"}
	state := cluster.ClusterState{
		ClusterName:  "test",
		Version:      3,
		Nodes:        cluster.NewNodeSet(local, local).WithMaster("0"),
		Blocks:       cluster.NewBlockSet(),
		RoutingTable: cluster.NewRoutingTable(),
	}

	encoded, err := encodeState(state)
	require.NoError(t, err)

	decoded, err := decodeState(encoded)
	require.NoError(t, err)
	require.Equal(t, state.ClusterName, decoded.ClusterName)
	require.Equal(t, state.Version, decoded.Version)
	require.True(t, decoded.Nodes.LocalNodeIsMaster())
}

func TestEncodeDecodeAckRoundTrips(t *testing.T) {
	a := ackPayload{NodeID: "node-7", Version: 42, Failed: true, Err: "boom"}
	decoded := decodeAck(encodeAck(a))
	require.Equal(t, a, decoded)
}

func TestEncodeDecodeAckWithNoError(t *testing.T) {
	a := ackPayload{NodeID: "node-1", Version: 1, Failed: false, Err: ""}
	decoded := decodeAck(encodeAck(a))
	require.Equal(t, a, decoded)
}
