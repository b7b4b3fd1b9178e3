package share

import (
	"fmt"

	"github.com/sharenet-dev/sharenet/pkg/util"
)

// SmallBlockHeader is a block header without its Merkle root: the root is
// recomputed from the share's generation-tx hash and Merkle link.
type SmallBlockHeader struct {
	Version       uint64
	PreviousBlock [32]byte
	Timestamp     uint32
	Bits          uint32
	Nonce         uint32
}

// FullHeader emits the standard 80-byte block header for a given Merkle
// root.
func (h *SmallBlockHeader) FullHeader(merkleRoot [32]byte) []byte {
	w := util.NewWriter()
	w.WriteUint32(uint32(h.Version))
	w.WriteHash(h.PreviousBlock)
	w.WriteHash(merkleRoot)
	w.WriteUint32(h.Timestamp)
	w.WriteUint32(h.Bits)
	w.WriteUint32(h.Nonce)
	return w.Bytes()
}

// CalculateHash returns the double-SHA256 of the full header built with
// merkleRoot.
func (h *SmallBlockHeader) CalculateHash(merkleRoot [32]byte) [32]byte {
	return util.DoubleSHA256(h.FullHeader(merkleRoot))
}

func (h *SmallBlockHeader) write(w *util.Writer) {
	w.WriteVarInt(h.Version)
	w.WriteHash(h.PreviousBlock)
	w.WriteUint32(h.Timestamp)
	w.WriteUint32(h.Bits)
	w.WriteUint32(h.Nonce)
}

func readSmallBlockHeader(r *util.Reader) (SmallBlockHeader, error) {
	var h SmallBlockHeader
	var err error
	if h.Version, err = r.ReadVarInt(); err != nil {
		return h, fmt.Errorf("header version: %w", err)
	}
	if h.PreviousBlock, err = r.ReadHash(); err != nil {
		return h, fmt.Errorf("header previous block: %w", err)
	}
	if h.Timestamp, err = r.ReadUint32(); err != nil {
		return h, fmt.Errorf("header timestamp: %w", err)
	}
	if h.Bits, err = r.ReadUint32(); err != nil {
		return h, fmt.Errorf("header bits: %w", err)
	}
	if h.Nonce, err = r.ReadUint32(); err != nil {
		return h, fmt.Errorf("header nonce: %w", err)
	}
	return h, nil
}
