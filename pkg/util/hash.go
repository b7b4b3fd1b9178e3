package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ripemd160"
)

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Hash160 computes RIPEMD160(SHA256(data)), the standard Bitcoin
// public-key-hash digest.
func Hash160(data []byte) [20]byte {
	first := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(first[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hash160Script builds the standard P2PKH scriptPubKey for a 20-byte
// pubkey hash: OP_DUP OP_HASH160 <push20> <h> OP_EQUALVERIFY OP_CHECKSIG.
func Hash160Script(h [20]byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, h[:]...)
	script = append(script, 0x88, 0xac)
	return script
}

// HashToHex converts a raw (wire-order) hash to its display form:
// byte-reversed hex, as surfaced to users and logs.
func HashToHex(hash [32]byte) string {
	var reversed [32]byte
	for i := 0; i < 32; i++ {
		reversed[i] = hash[31-i]
	}
	return hex.EncodeToString(reversed[:])
}

// HexToHash parses a display-form (byte-reversed) hex hash back into
// raw wire order.
func HexToHash(s string) ([32]byte, error) {
	var hash [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return hash, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(b) != 32 {
		return hash, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	for i := 0; i < 32; i++ {
		hash[i] = b[31-i]
	}
	return hash, nil
}

// HexToBytes decodes a hex string.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// HashMeetsTarget reports whether the hash, interpreted as a little-endian
// 256-bit integer, is less than or equal to the target.
func HashMeetsTarget(hash [32]byte, target *big.Int) bool {
	if target == nil {
		return false
	}
	return HashToBig(hash).Cmp(target) <= 0
}

// HashToBig converts a little-endian wire-order hash to a big.Int.
func HashToBig(hash [32]byte) *big.Int {
	var reversed [32]byte
	for i := 0; i < 32; i++ {
		reversed[i] = hash[31-i]
	}
	return new(big.Int).SetBytes(reversed[:])
}
