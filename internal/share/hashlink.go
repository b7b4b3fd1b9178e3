package share

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/sharenet-dev/sharenet/pkg/util"
)

// sha256 round constants
var k256 = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5,
	0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3,
	0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc,
	0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7,
	0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13,
	0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3,
	0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5,
	0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208,
	0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

var sha256IV = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

// HashLink is a persisted SHA-256 midstate: the 32-byte compression state,
// the total byte count fed so far, and the unhashed tail that has not yet
// completed a 64-byte block. It lets a share bind its info into the
// generation transaction without re-hashing the common coinbase prefix.
type HashLink struct {
	State     [32]byte
	Length    uint64
	ExtraData []byte
}

// NewHashLink hashes prefix once and captures the resumable midstate.
func NewHashLink(prefix []byte) *HashLink {
	h := sha256IV
	full := len(prefix) / 64 * 64
	for i := 0; i < full; i += 64 {
		sha256Block(&h, prefix[i:i+64])
	}

	hl := &HashLink{Length: uint64(len(prefix))}
	for i, w := range h {
		binary.BigEndian.PutUint32(hl.State[i*4:], w)
	}
	if full < len(prefix) {
		hl.ExtraData = append([]byte(nil), prefix[full:]...)
	}
	return hl
}

// Check verifies that the link was produced by hashing
// expectedPrefix || suffix and returns the double-SHA256 digest of that
// stream. It fails if the stored geometry cannot correspond to
// expectedPrefix.
func (hl *HashLink) Check(suffix, expectedPrefix []byte) ([32]byte, error) {
	var zero [32]byte

	if len(hl.ExtraData) >= 64 {
		return zero, fmt.Errorf("hash link tail too long: %d bytes", len(hl.ExtraData))
	}
	if hl.Length != uint64(len(expectedPrefix)) {
		return zero, fmt.Errorf("hash link length %d does not match expected prefix length %d",
			hl.Length, len(expectedPrefix))
	}
	compressed := hl.Length - uint64(len(hl.ExtraData))
	if compressed%64 != 0 {
		return zero, fmt.Errorf("hash link compressed length %d not block-aligned", compressed)
	}

	var h [8]uint32
	for i := range h {
		h[i] = binary.BigEndian.Uint32(hl.State[i*4:])
	}

	remaining := make([]byte, 0, len(hl.ExtraData)+len(suffix))
	remaining = append(remaining, hl.ExtraData...)
	remaining = append(remaining, suffix...)
	totalLen := compressed + uint64(len(remaining))

	for len(remaining) >= 64 {
		sha256Block(&h, remaining[:64])
		remaining = remaining[64:]
	}

	// Final padded block(s): 0x80, zeros, then the bit length big-endian.
	var buf [128]byte
	rlen := len(remaining)
	copy(buf[:rlen], remaining)
	buf[rlen] = 0x80
	padLen := 64
	if rlen >= 56 {
		padLen = 128
	}
	binary.BigEndian.PutUint64(buf[padLen-8:padLen], totalLen*8)

	sha256Block(&h, buf[:64])
	if padLen == 128 {
		sha256Block(&h, buf[64:128])
	}

	var digest [32]byte
	for i, w := range h {
		binary.BigEndian.PutUint32(digest[i*4:], w)
	}
	return sha256.Sum256(digest[:]), nil
}

func (hl *HashLink) write(w *util.Writer) {
	w.WriteHash(hl.State)
	w.WriteUint64(hl.Length)
	w.WriteVarString(hl.ExtraData)
}

func readHashLink(r *util.Reader) (*HashLink, error) {
	hl := &HashLink{}
	var err error
	if hl.State, err = r.ReadHash(); err != nil {
		return nil, fmt.Errorf("hash link state: %w", err)
	}
	if hl.Length, err = r.ReadUint64(); err != nil {
		return nil, fmt.Errorf("hash link length: %w", err)
	}
	tail, err := r.ReadVarString()
	if err != nil {
		return nil, fmt.Errorf("hash link tail: %w", err)
	}
	if len(tail) > 0 {
		hl.ExtraData = tail
	}
	return hl, nil
}

func rotr(x uint32, n uint) uint32 {
	return (x >> n) | (x << (32 - n))
}

// sha256Block runs one 64-byte block through the SHA-256 compression
// function.
func sha256Block(h *[8]uint32, block []byte) {
	var w [64]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(block[i*4:])
	}
	for i := 16; i < 64; i++ {
		s0 := rotr(w[i-15], 7) ^ rotr(w[i-15], 18) ^ (w[i-15] >> 3)
		s1 := rotr(w[i-2], 17) ^ rotr(w[i-2], 19) ^ (w[i-2] >> 10)
		w[i] = w[i-16] + s0 + w[i-7] + s1
	}

	a, b, c, d, e, f, g, hh := h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7]
	for i := 0; i < 64; i++ {
		s1 := rotr(e, 6) ^ rotr(e, 11) ^ rotr(e, 25)
		ch := (e & f) ^ (^e & g)
		t1 := hh + s1 + ch + k256[i] + w[i]
		s0 := rotr(a, 2) ^ rotr(a, 13) ^ rotr(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		t2 := s0 + maj

		hh = g
		g = f
		f = e
		e = d + t1
		d = c
		c = b
		b = a
		a = t1 + t2
	}

	h[0] += a
	h[1] += b
	h[2] += c
	h[3] += d
	h[4] += e
	h[5] += f
	h[6] += g
	h[7] += hh
}
