package util

import (
	"bytes"
	"math/big"
	"testing"
)

func TestVarInt_RoundTrip(t *testing.T) {
	cases := []struct {
		n    uint64
		size int
	}{
		{0, 1},
		{0xfc, 1},
		{0xfd, 3},
		{0xffff, 3},
		{0x10000, 5},
		{0xffffffff, 5},
		{0x100000000, 9},
	}
	for _, c := range cases {
		enc := WriteVarInt(c.n)
		if len(enc) != c.size {
			t.Errorf("WriteVarInt(%d) encodes to %d bytes, want %d", c.n, len(enc), c.size)
		}
		got, consumed, err := ReadVarInt(enc)
		if err != nil {
			t.Fatalf("ReadVarInt(%d): %v", c.n, err)
		}
		if got != c.n || consumed != c.size {
			t.Errorf("ReadVarInt(%d) = (%d, %d)", c.n, got, consumed)
		}
	}
}

func TestVarInt_ShortBuffer(t *testing.T) {
	for _, data := range [][]byte{nil, {0xfd}, {0xfd, 0x01}, {0xfe, 0x01, 0x02}, {0xff}} {
		if _, _, err := ReadVarInt(data); err == nil {
			t.Errorf("ReadVarInt(%x) accepted a short buffer", data)
		}
	}
}

func TestVarString_RoundTrip(t *testing.T) {
	s := bytes.Repeat([]byte{0xab}, 300)
	enc := WriteVarString(s)
	got, consumed, err := ReadVarString(enc)
	if err != nil {
		t.Fatalf("read varstring: %v", err)
	}
	if consumed != len(enc) || !bytes.Equal(got, s) {
		t.Errorf("varstring round trip failed")
	}

	if _, _, err := ReadVarString(enc[:100]); err == nil {
		t.Errorf("truncated varstring accepted")
	}
}

func TestHashHex_RoundTrip(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}
	s := HashToHex(h)
	if len(s) != 64 {
		t.Fatalf("display hex length = %d", len(s))
	}
	// Wire order reverses for display: byte 31 leads.
	if s[:2] != "1f" {
		t.Errorf("display hex starts with %s, want 1f", s[:2])
	}
	back, err := HexToHash(s)
	if err != nil {
		t.Fatalf("hex to hash: %v", err)
	}
	if back != h {
		t.Errorf("round trip changed the hash")
	}
}

func TestHexToHash_Rejects(t *testing.T) {
	if _, err := HexToHash("zz"); err == nil {
		t.Errorf("non-hex accepted")
	}
	if _, err := HexToHash("aabb"); err == nil {
		t.Errorf("short hash accepted")
	}
}

func TestCompactTarget_RoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1d00ffff, 0x207fffff, 0x1b0404cb} {
		target := CompactToTarget(bits)
		if target.Sign() <= 0 {
			t.Fatalf("bits %08x produced non-positive target", bits)
		}
		if got := TargetToCompact(target); got != bits {
			t.Errorf("compact round trip %08x -> %08x", bits, got)
		}
	}
}

func TestCompactToTarget_NegativeIsZero(t *testing.T) {
	if CompactToTarget(0x1d800000).Sign() != 0 {
		t.Errorf("sign-bit mantissa did not collapse to zero")
	}
}

func TestTargetToDifficulty(t *testing.T) {
	max := CompactToTarget(0x1d00ffff)
	if d := TargetToDifficulty(max, max); d < 0.999 || d > 1.001 {
		t.Errorf("difficulty at max target = %v, want 1", d)
	}
	half := new(big.Int).Rsh(max, 1)
	if d := TargetToDifficulty(half, max); d < 1.999 || d > 2.001 {
		t.Errorf("difficulty at half target = %v, want 2", d)
	}
	if TargetToDifficulty(nil, max) != 0 {
		t.Errorf("nil target difficulty != 0")
	}
}

func TestHashMeetsTarget(t *testing.T) {
	var easy [32]byte // zero hash, meets anything positive
	if !HashMeetsTarget(easy, big.NewInt(1)) {
		t.Errorf("zero hash rejected")
	}
	var hard [32]byte
	hard[31] = 0xff // little-endian wire order puts this in the top byte
	if HashMeetsTarget(hard, big.NewInt(1)) {
		t.Errorf("maximal hash accepted")
	}
	if HashMeetsTarget(easy, nil) {
		t.Errorf("nil target accepted")
	}
}

func TestHash160Script(t *testing.T) {
	var h [20]byte
	h[0] = 0x11
	script := Hash160Script(h)
	if len(script) != 25 {
		t.Fatalf("script length = %d, want 25", len(script))
	}
	if script[0] != 0x76 || script[1] != 0xa9 || script[2] != 0x14 {
		t.Errorf("script prefix = %x", script[:3])
	}
	if script[23] != 0x88 || script[24] != 0xac {
		t.Errorf("script suffix = %x", script[23:])
	}
	if !bytes.Equal(script[3:23], h[:]) {
		t.Errorf("pubkey hash not embedded")
	}
}
