package gossip

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ringlabs/ringcoord/common"
)

// messageType tags every frame on the wire. Payloads are opaque byte slices
// the caller encodes/decodes; the framing layer only needs to know how many
// bytes follow.
type messageType byte

const (
	heartbeatMessageType messageType = iota
	stateMessageType
	ackMessageType
)

// writeMessage frames one message as [1-byte type][4-byte LE length][payload]
// and writes it to w.
func writeMessage(w io.Writer, mt messageType, payload []byte) error {
	buff := make([]byte, 0, 5+len(payload))
	buff = append(buff, byte(mt))
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(payload)))
	buff = append(buff, payload...)
	_, err := w.Write(buff)
	return err
}

// readMessage reads one frame written by writeMessage.
func readMessage(r *bufio.Reader) (messageType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	mt := messageType(header[0])
	length, _ := common.ReadUint32FromBufferLE(header, 1)
	if length > maxMessageSize {
		return 0, nil, fmt.Errorf("gossip: frame of %d bytes exceeds maximum of %d", length, maxMessageSize)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return mt, payload, nil
}

// maxMessageSize bounds a single frame, guarding against a corrupt length
// prefix turning into an enormous allocation.
const maxMessageSize = 64 * 1024 * 1024
