package gossip

import (
	"encoding/json"

	"github.com/ringlabs/ringcoord/cluster"
	"github.com/ringlabs/ringcoord/common"
)

// ackPayload is what a node broadcasts back once it has applied a published
// state, or hit an error trying to.
type ackPayload struct {
	NodeID  string
	Version uint64
	Failed  bool
	Err     string
}

func encodeState(state cluster.ClusterState) ([]byte, error) {
	return json.Marshal(state)
}

func decodeState(data []byte) (cluster.ClusterState, error) {
	var state cluster.ClusterState
	err := json.Unmarshal(data, &state)
	return state, err
}

// encodeAck uses the module's manual little-endian buffer helpers rather
// than JSON, since the ack path is on the hot notification loop and the
// payload shape is fixed and small.
func encodeAck(a ackPayload) []byte {
	var buff []byte
	buff = common.AppendStringToBufferLE(buff, a.NodeID)
	buff = common.AppendUint64ToBufferLE(buff, a.Version)
	failed := byte(0)
	if a.Failed {
		failed = 1
	}
	buff = append(buff, failed)
	buff = common.AppendStringToBufferLE(buff, a.Err)
	return buff
}

func decodeAck(data []byte) ackPayload {
	var a ackPayload
	offset := 0
	a.NodeID, offset = common.ReadStringFromBufferLE(data, offset)
	a.Version, offset = common.ReadUint64FromBufferLE(data, offset)
	a.Failed = data[offset] == 1
	offset++
	a.Err, _ = common.ReadStringFromBufferLE(data, offset)
	return a
}
