// Package bitcoin talks to the upstream blockchain daemon over JSON-RPC
// and watches it for fresh block templates.
package bitcoin

// TxTemplate is one transaction from getblocktemplate.
type TxTemplate struct {
	Data   string `json:"data"`
	TxID   string `json:"txid"`
	Hash   string `json:"hash"`
	Fee    int64  `json:"fee"`
	Weight int64  `json:"weight"`
}

// AuxChain is a merge-mined chain's work unit, committed into the
// coinbase via the aux Merkle root.
type AuxChain struct {
	ChainID int    `json:"chainid"`
	Hash    string `json:"hash"`
	Target  string `json:"target"`
}

// BlockTemplate is the daemon's getblocktemplate response, reduced to
// the fields task construction needs.
type BlockTemplate struct {
	Version                  uint32       `json:"version"`
	PreviousBlockHash        string       `json:"previousblockhash"`
	Height                   uint32       `json:"height"`
	CoinbaseValue            uint64       `json:"coinbasevalue"`
	Bits                     string       `json:"bits"`
	Target                   string       `json:"target"`
	CurTime                  uint32       `json:"curtime"`
	MinTime                  uint32       `json:"mintime"`
	Transactions             []TxTemplate `json:"transactions"`
	Auxes                    []AuxChain   `json:"auxes,omitempty"`
	LongPollID               string       `json:"longpollid"`
	DefaultWitnessCommitment string       `json:"default_witness_commitment,omitempty"`
}

// MiningInfo is a subset of the daemon's getmininginfo response.
type MiningInfo struct {
	Blocks     uint32  `json:"blocks"`
	Difficulty float64 `json:"difficulty"`
	Chain      string  `json:"chain"`
}
