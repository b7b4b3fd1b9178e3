package gossip

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MessageType identifies a gossip wire message.
type MessageType uint8

const (
	MsgTypeVersion MessageType = iota + 1
	MsgTypeHaveTx
	MsgTypeLosingTx
	MsgTypeRememberTx
	MsgTypeForgetTx
)

// ProtocolVersion is the gossip protocol revision spoken by this node.
const ProtocolVersion = 3200

// maxFrameSize bounds a single wire frame. remember_tx carries full
// transactions, so the bound tracks the largest new-txs allowance with
// headroom for encoding.
const maxFrameSize = 4 << 20

// VersionMessage opens a connection. Nonce detects accidental
// self-connections.
type VersionMessage struct {
	Type      MessageType `cbor:"1,keyasint"`
	Version   uint32      `cbor:"2,keyasint"`
	Nonce     uint64      `cbor:"3,keyasint"`
	UserAgent string      `cbor:"4,keyasint,omitempty"`
}

// HaveTxMessage announces transaction hashes the sender knows in full.
type HaveTxMessage struct {
	Type   MessageType `cbor:"1,keyasint"`
	Hashes []string    `cbor:"2,keyasint"`
}

// LosingTxMessage announces transaction hashes the sender no longer
// tracks.
type LosingTxMessage struct {
	Type   MessageType `cbor:"1,keyasint"`
	Hashes []string    `cbor:"2,keyasint"`
}

// RememberTxMessage asks the receiver to pin transactions for the
// sender's next share: by hash for transactions the receiver already
// knows, in full otherwise.
type RememberTxMessage struct {
	Type   MessageType `cbor:"1,keyasint"`
	Hashes []string    `cbor:"2,keyasint"`
	Txs    [][]byte    `cbor:"3,keyasint"`
}

// ForgetTxMessage releases previously remembered transactions.
type ForgetTxMessage struct {
	Type      MessageType `cbor:"1,keyasint"`
	Hashes    []string    `cbor:"2,keyasint"`
	TotalSize uint64      `cbor:"3,keyasint"`
}

type typedMessage struct {
	Type MessageType `cbor:"1,keyasint"`
}

// writeFrame sends one length-prefixed CBOR message. The length prefix
// is 4 bytes little-endian.
func writeFrame(w io.Writer, msg interface{}) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame size %d exceeds limit", len(payload))
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message payload.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// decodeMessage inspects the payload's type tag and decodes the full
// message. Unknown types return the tag with a nil message so the peer
// can skip them.
func decodeMessage(payload []byte) (MessageType, interface{}, error) {
	var tag typedMessage
	if err := cbor.Unmarshal(payload, &tag); err != nil {
		return 0, nil, fmt.Errorf("decode message type: %w", err)
	}

	var msg interface{}
	switch tag.Type {
	case MsgTypeVersion:
		msg = &VersionMessage{}
	case MsgTypeHaveTx:
		msg = &HaveTxMessage{}
	case MsgTypeLosingTx:
		msg = &LosingTxMessage{}
	case MsgTypeRememberTx:
		msg = &RememberTxMessage{}
	case MsgTypeForgetTx:
		msg = &ForgetTxMessage{}
	default:
		return tag.Type, nil, nil
	}
	if err := cbor.Unmarshal(payload, msg); err != nil {
		return tag.Type, nil, fmt.Errorf("decode message %d: %w", tag.Type, err)
	}
	return tag.Type, msg, nil
}
