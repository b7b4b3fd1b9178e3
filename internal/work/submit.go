package work

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/sharenet-dev/sharenet/internal/merkle"
	"github.com/sharenet-dev/sharenet/pkg/util"
)

// ReconstructHeader rebuilds the 80-byte block header and the full
// coinbase for a stratum submission. version, ntime and nonce are
// big-endian hex as carried on the stratum wire.
func ReconstructHeader(task *Task, version, extranonce1, extranonce2, ntime, nonce string) ([]byte, []byte, error) {
	coinb1, err := hex.DecodeString(task.StratumParams.Coinb1)
	if err != nil {
		return nil, nil, fmt.Errorf("coinb1: %w", err)
	}
	coinb2, err := hex.DecodeString(task.StratumParams.Coinb2)
	if err != nil {
		return nil, nil, fmt.Errorf("coinb2: %w", err)
	}
	en1, err := hex.DecodeString(extranonce1)
	if err != nil {
		return nil, nil, fmt.Errorf("extranonce1: %w", err)
	}
	en2, err := hex.DecodeString(extranonce2)
	if err != nil {
		return nil, nil, fmt.Errorf("extranonce2: %w", err)
	}
	if len(en1)+len(en2) != ExtranonceSize {
		return nil, nil, fmt.Errorf("extranonce length %d, want %d", len(en1)+len(en2), ExtranonceSize)
	}

	coinbase := make([]byte, 0, len(coinb1)+ExtranonceSize+len(coinb2))
	coinbase = append(coinbase, coinb1...)
	coinbase = append(coinbase, en1...)
	coinbase = append(coinbase, en2...)
	coinbase = append(coinbase, coinb2...)

	// Merkle root from the coinbase hash up the branch.
	link := make([][32]byte, len(task.StratumParams.MerkleBranch))
	for i, b := range task.StratumParams.MerkleBranch {
		raw, err := hex.DecodeString(b)
		if err != nil || len(raw) != 32 {
			return nil, nil, fmt.Errorf("merkle branch %d: bad hash", i)
		}
		copy(link[i][:], raw)
	}
	merkleRoot := merkle.Aggregate(util.DoubleSHA256(coinbase), link)

	var versionU, ntimeU, nonceU uint32
	if _, err := fmt.Sscanf(version, "%x", &versionU); err != nil {
		return nil, nil, fmt.Errorf("version: %w", err)
	}
	if _, err := fmt.Sscanf(ntime, "%x", &ntimeU); err != nil {
		return nil, nil, fmt.Errorf("ntime: %w", err)
	}
	if _, err := fmt.Sscanf(nonce, "%x", &nonceU); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	prevHash, err := util.HexToHash(task.PreviousBlockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("previous block hash: %w", err)
	}

	header := make([]byte, 0, 80)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], versionU)
	header = append(header, u32[:]...)
	header = append(header, prevHash[:]...)
	header = append(header, merkleRoot[:]...)
	binary.LittleEndian.PutUint32(u32[:], ntimeU)
	header = append(header, u32[:]...)
	var bitsU uint32
	if _, err := fmt.Sscanf(task.StratumParams.NBits, "%x", &bitsU); err != nil {
		return nil, nil, fmt.Errorf("nbits: %w", err)
	}
	binary.LittleEndian.PutUint32(u32[:], bitsU)
	header = append(header, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], nonceU)
	header = append(header, u32[:]...)

	return header, coinbase, nil
}

// ReconstructBlock serializes a full block from a header, coinbase, and
// the task's template transactions, ready for submitblock.
func ReconstructBlock(task *Task, header, coinbase []byte) (string, error) {
	if len(header) != 80 {
		return "", fmt.Errorf("header length %d, want 80", len(header))
	}
	tmpl := task.Template
	if tmpl == nil {
		return "", fmt.Errorf("task has no template")
	}

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(util.WriteVarInt(uint64(len(tmpl.Transactions) + 1)))
	buf.Write(coinbase)
	for i, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return "", fmt.Errorf("template tx %d: %w", i, err)
		}
		buf.Write(raw)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
