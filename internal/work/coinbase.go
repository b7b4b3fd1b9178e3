// Package work turns block templates into stratum-ready mining tasks.
package work

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sharenet-dev/sharenet/pkg/util"
)

// ExtranonceSize is the number of bytes workers insert between the two
// coinbase parts.
const ExtranonceSize = 8

// coinbaseScriptSigMaxLen is the consensus bound on the coinbase
// scriptSig.
const coinbaseScriptSigMaxLen = 100

// BuildCoinbase builds the non-witness coinbase serialization with an
// extranonce placeholder in the scriptSig and returns it together with
// the placeholder's byte offset. Workers receive the serialization
// split at that offset.
func BuildCoinbase(height uint32, value uint64, payoutScript []byte, auxCommitment []byte, witnessCommitment []byte) ([]byte, int, error) {
	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, int32(2))

	// Single null input.
	buf.Write(util.WriteVarInt(1))
	buf.Write(make([]byte, 32))
	binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff))

	scriptSig := buildScriptSig(height)
	if len(scriptSig)+ExtranonceSize > coinbaseScriptSigMaxLen {
		return nil, 0, fmt.Errorf("scriptSig length %d exceeds maximum", len(scriptSig)+ExtranonceSize)
	}
	scriptSig = append(scriptSig, make([]byte, ExtranonceSize)...)
	extranonceOffset := buf.Len() + len(util.WriteVarInt(uint64(len(scriptSig)))) + len(scriptSig) - ExtranonceSize

	buf.Write(util.WriteVarInt(uint64(len(scriptSig))))
	buf.Write(scriptSig)
	binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff))

	outputCount := 1
	if len(auxCommitment) > 0 {
		outputCount++
	}
	if len(witnessCommitment) > 0 {
		outputCount++
	}
	buf.Write(util.WriteVarInt(uint64(outputCount)))

	// Payout output.
	binary.Write(&buf, binary.LittleEndian, value)
	buf.Write(util.WriteVarInt(uint64(len(payoutScript))))
	buf.Write(payoutScript)

	// Merge-mining commitment.
	if len(auxCommitment) > 0 {
		binary.Write(&buf, binary.LittleEndian, uint64(0))
		buf.Write(util.WriteVarInt(uint64(len(auxCommitment))))
		buf.Write(auxCommitment)
	}

	// Segwit witness commitment.
	if len(witnessCommitment) > 0 {
		binary.Write(&buf, binary.LittleEndian, uint64(0))
		buf.Write(util.WriteVarInt(uint64(len(witnessCommitment))))
		buf.Write(witnessCommitment)
	}

	binary.Write(&buf, binary.LittleEndian, uint32(0))

	return buf.Bytes(), extranonceOffset, nil
}

// buildScriptSig emits the BIP34 height push.
func buildScriptSig(height uint32) []byte {
	var buf bytes.Buffer
	buf.Write(serializeHeight(height))
	return buf.Bytes()
}

// serializeHeight serializes a block height for the BIP34 coinbase
// scriptSig.
func serializeHeight(height uint32) []byte {
	if height == 0 {
		return []byte{0x01, 0x00}
	}
	if height <= 16 {
		return []byte{0x01, byte(height)}
	}

	h := height
	var heightBytes []byte
	for h > 0 {
		heightBytes = append(heightBytes, byte(h&0xff))
		h >>= 8
	}
	// Ensure no sign ambiguity
	if heightBytes[len(heightBytes)-1]&0x80 != 0 {
		heightBytes = append(heightBytes, 0x00)
	}

	result := []byte{byte(len(heightBytes))}
	result = append(result, heightBytes...)
	return result
}

// auxCommitmentScript builds the OP_RETURN output script committing to
// the aux Merkle root and chain count.
func auxCommitmentScript(auxRoot [32]byte, auxCount int) []byte {
	payload := make([]byte, 0, 36)
	payload = append(payload, auxRoot[:]...)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(auxCount))
	payload = append(payload, count[:]...)

	script := []byte{0x6a, byte(len(payload))}
	return append(script, payload...)
}
