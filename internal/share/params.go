// Package share implements the share record: a block-header-like object
// carrying embedded payout information, the unit of proof-of-work
// accounting on the share chain.
package share

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/sharenet-dev/sharenet/pkg/util"
	"golang.org/x/crypto/scrypt"
)

// PowFunc hashes an 80-byte block header with the network's proof-of-work
// function.
type PowFunc func(header []byte) [32]byte

// Params is the static share-chain configuration, set once at startup
// before any share is parsed.
type Params struct {
	// Identifier is the network magic prefixed to the ShareInfo
	// serialization when computing the reference hash.
	Identifier []byte

	// PowFunc is the header proof-of-work function.
	PowFunc PowFunc

	// MaxTarget is the easiest share target the chain accepts.
	MaxTarget *big.Int

	// SegwitActivationVersion gates segwit parsing; share versions at or
	// above it carry a segwit sub-structure.
	SegwitActivationVersion uint64
}

// Variant holds the per-version constant table. Share versions differ
// only in constants, never in layout.
type Variant struct {
	Version       uint64
	MaxNewTxsSize int
}

var variants = map[uint64]Variant{
	16: {Version: 16, MaxNewTxsSize: 50000},
	17: {Version: 17, MaxNewTxsSize: 100000},
}

// LookupVariant returns the constant table for a share version.
func LookupVariant(version uint64) (Variant, bool) {
	v, ok := variants[version]
	return v, ok
}

// PowSHA256d is the double-SHA256 proof-of-work function.
func PowSHA256d(header []byte) [32]byte {
	return util.DoubleSHA256(header)
}

// PowScrypt is the scrypt(1024,1,1) proof-of-work function used by
// litecoin-family chains.
func PowScrypt(header []byte) [32]byte {
	var out [32]byte
	digest, err := scrypt.Key(header, header, 1024, 1, 1, 32)
	if err != nil {
		// Parameters are fixed and valid; scrypt.Key cannot fail here.
		panic(fmt.Sprintf("scrypt: %v", err))
	}
	copy(out[:], digest)
	return out
}

// DonationScriptHex is the pay-to-pubkey donation output script embedded
// in every generation transaction.
const DonationScriptHex = "4104ffd03de44a6e11b9917f3a29f9443283d9871c9d743ef30d5eddcd37094b64d1b3d8090496b53256786bf5c82932ec23c3b74d9f05a6f95a8b5529352656664bac"

// gentxBeforeRefhashHex is the expected serialization of the generation-tx
// prefix ending just before the reference hash: the var-string-wrapped
// donation script output, an 8-byte zero value, and the first 3 bytes of
// the var-string-wrapped OP_RETURN header.
const gentxBeforeRefhashHex = "434104ffd03de44a6e11b9917f3a29f9443283d9871c9d743ef30d5eddcd37094b64d1b3d8090496b53256786bf5c82932ec23c3b74d9f05a6f95a8b5529352656664bac00000000000000002a6a28"

// GentxBeforeRefhash returns the fixed generation-tx prefix that every
// share's hash link must have been built from.
func GentxBeforeRefhash() []byte {
	script, err := hex.DecodeString(DonationScriptHex)
	if err != nil {
		panic(fmt.Sprintf("donation script hex: %v", err))
	}

	// OP_RETURN header: 0x6a (OP_RETURN), 0x28 (push 40), then the 40-byte
	// ref-hash+nonce payload. Only the first 3 bytes of the var-string
	// wrapping land in the prefix.
	opReturn := append([]byte{0x6a, 0x28}, make([]byte, 40)...)

	var buf bytes.Buffer
	buf.Write(util.WriteVarString(script))
	buf.Write(make([]byte, 8))
	buf.Write(util.WriteVarString(opReturn)[:3])
	return buf.Bytes()
}

// VerifyConstants asserts that the computed generation-tx prefix matches
// the fixed literal byte-for-byte. Call at startup before parsing shares.
func VerifyConstants() error {
	want, err := hex.DecodeString(gentxBeforeRefhashHex)
	if err != nil {
		return fmt.Errorf("decode gentx prefix literal: %w", err)
	}
	got := GentxBeforeRefhash()
	if !bytes.Equal(got, want) {
		return fmt.Errorf("gentx prefix mismatch: got %x, want %x", got, want)
	}
	return nil
}
