package util

import (
	"math/big"
)

// CompactToTarget expands a compact-form (nBits) difficulty encoding to a
// full 256-bit target.
func CompactToTarget(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := uint(bits >> 24)

	var target *big.Int
	if exponent <= 3 {
		target = big.NewInt(int64(mantissa >> (8 * (3 - exponent))))
	} else {
		target = big.NewInt(int64(mantissa))
		target.Lsh(target, 8*(exponent-3))
	}

	// Sign bit set means negative in Bitcoin's encoding; treat as zero.
	if bits&0x00800000 != 0 {
		return new(big.Int)
	}
	return target
}

// TargetToCompact compresses a target to its compact-form (nBits) encoding.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}

	size := uint((target.BitLen() + 7) / 8)
	var mantissa uint32
	if size <= 3 {
		mantissa = uint32(target.Int64()) << (8 * (3 - size))
	} else {
		shifted := new(big.Int).Rsh(target, 8*(size-3))
		mantissa = uint32(shifted.Int64())
	}

	// Mantissa with the sign bit set would decode negative; shift right
	// one byte and bump the exponent.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}

	return mantissa | uint32(size)<<24
}

// TargetToDifficulty converts a target to a difficulty relative to maxTarget.
func TargetToDifficulty(target, maxTarget *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	diff, _ := new(big.Float).Quo(
		new(big.Float).SetInt(maxTarget),
		new(big.Float).SetInt(target),
	).Float64()
	return diff
}
