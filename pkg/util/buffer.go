package util

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Reader is a cursor over a byte buffer for decoding wire structures.
// All multi-byte integers are little-endian.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// ReadBytes reads exactly n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("short read: want %d bytes at offset %d, have %d", n, r.pos, r.Remaining())
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadHash reads a 32-byte hash.
func (r *Reader) ReadHash() ([32]byte, error) {
	var h [32]byte
	b, err := r.ReadBytes(32)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// ReadUint32 reads a 4-byte little-endian integer.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads an 8-byte little-endian integer.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadUint16 reads a 2-byte little-endian integer.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (byte, error) {
	b, err := r.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadVarInt reads a compact-size integer.
func (r *Reader) ReadVarInt() (uint64, error) {
	n, consumed, err := ReadVarInt(r.data[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += consumed
	return n, nil
}

// ReadVarString reads a length-prefixed byte string.
func (r *Reader) ReadVarString() ([]byte, error) {
	s, consumed, err := ReadVarString(r.data[r.pos:])
	if err != nil {
		return nil, err
	}
	r.pos += consumed
	return s, nil
}

// ReadHashList reads a compact-size count followed by that many 32-byte hashes.
func (r *Reader) ReadHashList() ([][32]byte, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining())/32 {
		return nil, fmt.Errorf("hash list count %d exceeds remaining buffer", n)
	}
	hashes := make([][32]byte, n)
	for i := range hashes {
		hashes[i], err = r.ReadHash()
		if err != nil {
			return nil, err
		}
	}
	return hashes, nil
}

// ReadBigInt reads a little-endian integer of the given byte width.
func (r *Reader) ReadBigInt(width int) (*big.Int, error) {
	b, err := r.ReadBytes(width)
	if err != nil {
		return nil, err
	}
	reversed := make([]byte, width)
	for i := range b {
		reversed[width-1-i] = b[i]
	}
	return new(big.Int).SetBytes(reversed), nil
}

// Writer builds a byte buffer, the dual of Reader.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteBytes appends raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteHash appends a 32-byte hash.
func (w *Writer) WriteHash(h [32]byte) {
	w.buf = append(w.buf, h[:]...)
}

// WriteUint32 appends a 4-byte little-endian integer.
func (w *Writer) WriteUint32(n uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint64 appends an 8-byte little-endian integer.
func (w *Writer) WriteUint64(n uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint16 appends a 2-byte little-endian integer.
func (w *Writer) WriteUint16(n uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], n)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(b byte) {
	w.buf = append(w.buf, b)
}

// WriteVarInt appends a compact-size integer.
func (w *Writer) WriteVarInt(n uint64) {
	w.buf = append(w.buf, WriteVarInt(n)...)
}

// WriteVarString appends a length-prefixed byte string.
func (w *Writer) WriteVarString(s []byte) {
	w.buf = append(w.buf, WriteVarString(s)...)
}

// WriteHashList appends a compact-size count followed by the hashes.
func (w *Writer) WriteHashList(hashes [][32]byte) {
	w.WriteVarInt(uint64(len(hashes)))
	for _, h := range hashes {
		w.WriteHash(h)
	}
}

// WriteBigInt appends a little-endian integer of the given byte width.
// Values wider than width are truncated to the low-order bytes.
func (w *Writer) WriteBigInt(n *big.Int, width int) {
	be := n.Bytes()
	out := make([]byte, width)
	for i := 0; i < len(be) && i < width; i++ {
		out[i] = be[len(be)-1-i]
	}
	w.buf = append(w.buf, out...)
}
