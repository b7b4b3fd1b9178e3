package work

import (
	"encoding/hex"
	"fmt"

	"github.com/sharenet-dev/sharenet/internal/bitcoin"
	"github.com/sharenet-dev/sharenet/internal/merkle"
	"github.com/sharenet-dev/sharenet/pkg/util"
)

// StratumParams are the fields of a mining.notify, in order.
type StratumParams struct {
	JobID        string   `json:"jobId"`
	PrevHash     string   `json:"prevhash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkleBranch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"cleanJobs"`
}

// Task is the publishable unit of mining work.
type Task struct {
	TaskID            string                 `json:"taskId"`
	CoinbaseTx        [2]string              `json:"coinbaseTx"`
	StratumParams     StratumParams          `json:"stratumParams"`
	PreviousBlockHash string                 `json:"previousBlockHash"`
	Height            uint32                 `json:"height"`
	MerkleLink        []string               `json:"merkleLink"`
	Template          *bitcoin.BlockTemplate `json:"template"`
}

// AuxMerkleRoot builds the Merkle root over the template's aux-chain
// hashes. No aux chains yields the zero root.
func AuxMerkleRoot(auxes []bitcoin.AuxChain) ([32]byte, error) {
	if len(auxes) == 0 {
		return [32]byte{}, nil
	}
	hashes := make([][32]byte, 0, len(auxes))
	for _, aux := range auxes {
		h, err := util.HexToHash(aux.Hash)
		if err != nil {
			return [32]byte{}, fmt.Errorf("aux chain %d hash: %w", aux.ChainID, err)
		}
		hashes = append(hashes, h)
	}
	tree := merkle.BuildTree(hashes)
	return tree.Root, nil
}

// BuildTask converts a block template into a stratum-ready task. The
// coinbase is split around the extranonce placeholder so workers can
// reassemble it with their own bytes in between.
func BuildTask(taskID string, tmpl *bitcoin.BlockTemplate, auxRoot [32]byte, auxCount int, payoutScript []byte) (*Task, error) {
	var auxCommitment []byte
	if auxCount > 0 {
		auxCommitment = auxCommitmentScript(auxRoot, auxCount)
	}
	var witnessCommitment []byte
	if tmpl.DefaultWitnessCommitment != "" {
		wc, err := util.HexToBytes(tmpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("witness commitment: %w", err)
		}
		witnessCommitment = wc
	}

	coinbase, extranonceOffset, err := BuildCoinbase(tmpl.Height, tmpl.CoinbaseValue, payoutScript, auxCommitment, witnessCommitment)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}
	coinb1 := hex.EncodeToString(coinbase[:extranonceOffset])
	coinb2 := hex.EncodeToString(coinbase[extranonceOffset+ExtranonceSize:])

	// Merkle link from the coinbase position (index 0) over all template
	// transactions.
	leaves := make([][32]byte, len(tmpl.Transactions)+1)
	for i, tx := range tmpl.Transactions {
		h, err := util.HexToHash(tx.TxID)
		if err != nil {
			return nil, fmt.Errorf("template tx %d: %w", i, err)
		}
		leaves[i+1] = h
	}
	link := merkle.Link(leaves, 0)

	branch := make([]string, len(link))
	for i, h := range link {
		branch[i] = hex.EncodeToString(h[:])
	}

	return &Task{
		TaskID:     taskID,
		CoinbaseTx: [2]string{coinb1, coinb2},
		StratumParams: StratumParams{
			JobID:        taskID,
			PrevHash:     tmpl.PreviousBlockHash,
			Coinb1:       coinb1,
			Coinb2:       coinb2,
			MerkleBranch: branch,
			Version:      fmt.Sprintf("%08x", tmpl.Version),
			NBits:        tmpl.Bits,
			NTime:        fmt.Sprintf("%08x", tmpl.CurTime),
			CleanJobs:    true,
		},
		PreviousBlockHash: tmpl.PreviousBlockHash,
		Height:            tmpl.Height,
		MerkleLink:        branch,
		Template:          tmpl,
	}, nil
}
