package share

import (
	"fmt"
	"math/big"

	"github.com/sharenet-dev/sharenet/pkg/util"
)

// maxShareCount bounds how far back a transaction hash reference may
// reach into ancestor shares.
const maxShareCount = 110

// TxRef references a transaction by position: ShareCount == 0 points into
// the share's own NewTransactionHashes list at index TxCount; ShareCount
// > 0 points TxCount entries into the new-tx list of the ShareCount-th
// ancestor.
type TxRef struct {
	ShareCount uint64
	TxCount    uint64
}

// ShareData is the payout-bearing data block of a share.
type ShareData struct {
	PreviousShareHash [32]byte
	Coinbase          []byte
	Nonce             uint32
	PubkeyHash        [20]byte
	Subsidy           uint64
	Donation          uint16
	StaleInfo         byte
	DesiredVersion    uint64
}

// MerkleLinkField is a Merkle branch with its leaf index, as carried in
// segwit data.
type MerkleLinkField struct {
	Branch [][32]byte
	Index  uint32
}

// SegwitData is the segwit sub-structure appended to ShareInfo for share
// versions at or above the activation version.
type SegwitData struct {
	TxIDMerkleLink  MerkleLinkField
	WitnessReserved [32]byte
}

// ShareInfo is the payload of a share: the data block, transaction hash
// references, difficulty bits, and accounting fields.
type ShareInfo struct {
	Data                 ShareData
	TransactionHashRefs  []TxRef
	NewTransactionHashes [][32]byte
	FarShareHash         [32]byte // all-zero means absent
	Bits                 uint32
	Timestamp            uint32
	AbsHeight            uint32
	AbsWork              *big.Int // 16 bytes little-endian on the wire
	Segwit               *SegwitData
}

// Serialize writes the info in wire order. The segwit sub-structure is
// included only when the share version has segwit activated.
func (si *ShareInfo) Serialize(segwitActivated bool) []byte {
	w := util.NewWriter()
	w.WriteHash(si.Data.PreviousShareHash)
	w.WriteVarString(si.Data.Coinbase)
	w.WriteUint32(si.Data.Nonce)
	w.WriteBytes(si.Data.PubkeyHash[:])
	w.WriteUint64(si.Data.Subsidy)
	w.WriteUint16(si.Data.Donation)
	w.WriteUint8(si.Data.StaleInfo)
	w.WriteVarInt(si.Data.DesiredVersion)

	w.WriteVarInt(uint64(len(si.TransactionHashRefs)))
	for _, ref := range si.TransactionHashRefs {
		w.WriteVarInt(ref.ShareCount)
		w.WriteVarInt(ref.TxCount)
	}
	w.WriteHashList(si.NewTransactionHashes)
	w.WriteHash(si.FarShareHash)
	w.WriteUint32(si.Bits)
	w.WriteUint32(si.Timestamp)
	w.WriteUint32(si.AbsHeight)
	abswork := si.AbsWork
	if abswork == nil {
		abswork = new(big.Int)
	}
	w.WriteBigInt(abswork, 16)

	if segwitActivated {
		sw := si.Segwit
		if sw == nil {
			sw = &SegwitData{}
		}
		w.WriteHashList(sw.TxIDMerkleLink.Branch)
		w.WriteUint32(sw.TxIDMerkleLink.Index)
		w.WriteHash(sw.WitnessReserved)
	}

	return w.Bytes()
}

func readShareInfo(r *util.Reader, segwitActivated bool) (*ShareInfo, error) {
	si := &ShareInfo{}
	var err error

	if si.Data.PreviousShareHash, err = r.ReadHash(); err != nil {
		return nil, fmt.Errorf("previous share hash: %w", err)
	}
	if si.Data.Coinbase, err = r.ReadVarString(); err != nil {
		return nil, fmt.Errorf("coinbase: %w", err)
	}
	if si.Data.Nonce, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	pk, err := r.ReadBytes(20)
	if err != nil {
		return nil, fmt.Errorf("pubkey hash: %w", err)
	}
	copy(si.Data.PubkeyHash[:], pk)
	if si.Data.Subsidy, err = r.ReadUint64(); err != nil {
		return nil, fmt.Errorf("subsidy: %w", err)
	}
	if si.Data.Donation, err = r.ReadUint16(); err != nil {
		return nil, fmt.Errorf("donation: %w", err)
	}
	if si.Data.StaleInfo, err = r.ReadUint8(); err != nil {
		return nil, fmt.Errorf("stale info: %w", err)
	}
	if si.Data.DesiredVersion, err = r.ReadVarInt(); err != nil {
		return nil, fmt.Errorf("desired version: %w", err)
	}

	refCount, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("tx ref count: %w", err)
	}
	if refCount > uint64(r.Remaining()) {
		return nil, fmt.Errorf("tx ref count %d exceeds remaining buffer", refCount)
	}
	si.TransactionHashRefs = make([]TxRef, refCount)
	for i := range si.TransactionHashRefs {
		if si.TransactionHashRefs[i].ShareCount, err = r.ReadVarInt(); err != nil {
			return nil, fmt.Errorf("tx ref %d share count: %w", i, err)
		}
		if si.TransactionHashRefs[i].TxCount, err = r.ReadVarInt(); err != nil {
			return nil, fmt.Errorf("tx ref %d tx count: %w", i, err)
		}
	}

	if si.NewTransactionHashes, err = r.ReadHashList(); err != nil {
		return nil, fmt.Errorf("new tx hashes: %w", err)
	}
	if si.FarShareHash, err = r.ReadHash(); err != nil {
		return nil, fmt.Errorf("far share hash: %w", err)
	}
	if si.Bits, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("bits: %w", err)
	}
	if si.Timestamp, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	if si.AbsHeight, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("absheight: %w", err)
	}
	if si.AbsWork, err = r.ReadBigInt(16); err != nil {
		return nil, fmt.Errorf("abswork: %w", err)
	}

	if segwitActivated {
		sw := &SegwitData{}
		if sw.TxIDMerkleLink.Branch, err = r.ReadHashList(); err != nil {
			return nil, fmt.Errorf("txid merkle link: %w", err)
		}
		if sw.TxIDMerkleLink.Index, err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("txid merkle index: %w", err)
		}
		if sw.WitnessReserved, err = r.ReadHash(); err != nil {
			return nil, fmt.Errorf("witness reserved: %w", err)
		}
		si.Segwit = sw
	}

	return si, nil
}
