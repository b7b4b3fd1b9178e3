package share

import (
	"errors"
	"fmt"

	"math/big"

	"github.com/sharenet-dev/sharenet/internal/merkle"
	"github.com/sharenet-dev/sharenet/pkg/util"
)

// ErrUnknownVersion is returned when a share's version has no registered
// variant.
var ErrUnknownVersion = errors.New("unknown share version")

// Share is a parsed and validated share record. It is immutable after a
// successful Init; invalid shares carry Validity == false and must not be
// retained.
type Share struct {
	Version        uint64
	MinHeader      SmallBlockHeader
	Info           *ShareInfo
	RefMerkleLink  [][32]byte
	LastTxoutNonce uint64
	HashLink       *HashLink
	MerkleLink     [][32]byte

	// Derived by Init.
	Hash      [32]byte // raw wire order
	HashHex   string   // display (byte-reversed hex)
	GentxHash [32]byte
	NewScript []byte
	Target    *big.Int
	Validity  bool

	variant Variant
	params  *Params
}

// Parse reads a share whose version was read externally by the wire
// layer. Unknown versions and short buffers return an error; shares that
// parse but fail validation are returned with Validity == false.
func Parse(r *util.Reader, version uint64, params *Params) (*Share, error) {
	variant, ok := LookupVariant(version)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	s := &Share{
		Version: version,
		variant: variant,
		params:  params,
	}

	var err error
	if s.MinHeader, err = readSmallBlockHeader(r); err != nil {
		return nil, fmt.Errorf("min header: %w", err)
	}
	if s.Info, err = readShareInfo(r, params.IsSegwitActivated(version)); err != nil {
		return nil, fmt.Errorf("share info: %w", err)
	}
	if s.RefMerkleLink, err = r.ReadHashList(); err != nil {
		return nil, fmt.Errorf("ref merkle link: %w", err)
	}
	if s.LastTxoutNonce, err = r.ReadUint64(); err != nil {
		return nil, fmt.Errorf("last txout nonce: %w", err)
	}
	if s.HashLink, err = readHashLink(r); err != nil {
		return nil, fmt.Errorf("hash link: %w", err)
	}
	if s.MerkleLink, err = r.ReadHashList(); err != nil {
		return nil, fmt.Errorf("merkle link: %w", err)
	}

	s.Init()
	return s, nil
}

// ParseBytes parses a share from a raw buffer.
func ParseBytes(data []byte, version uint64, params *Params) (*Share, error) {
	return Parse(util.NewReader(data), version, params)
}

// New constructs a share locally and runs the validation pipeline.
// Unknown versions return an error.
func New(params *Params, version uint64, minHeader SmallBlockHeader, info *ShareInfo,
	refMerkleLink [][32]byte, lastTxoutNonce uint64, hashLink *HashLink, merkleLink [][32]byte) (*Share, error) {

	variant, ok := LookupVariant(version)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	s := &Share{
		Version:        version,
		MinHeader:      minHeader,
		Info:           info,
		RefMerkleLink:  refMerkleLink,
		LastTxoutNonce: lastTxoutNonce,
		HashLink:       hashLink,
		MerkleLink:     merkleLink,
		variant:        variant,
		params:         params,
	}
	s.Init()
	return s, nil
}

// IsSegwitActivated reports whether shares of the given version carry a
// segwit sub-structure.
func (p *Params) IsSegwitActivated(version uint64) bool {
	return p.SegwitActivationVersion > 0 && version >= p.SegwitActivationVersion
}

// Serialize writes the share in wire order, the exact inverse of Parse.
// The version itself travels outside the share body.
func (s *Share) Serialize() []byte {
	w := util.NewWriter()
	s.MinHeader.write(w)
	w.WriteBytes(s.Info.Serialize(s.params.IsSegwitActivated(s.Version)))
	w.WriteHashList(s.RefMerkleLink)
	w.WriteUint64(s.LastTxoutNonce)
	s.HashLink.write(w)
	w.WriteHashList(s.MerkleLink)
	return w.Bytes()
}

// Init runs the validation pipeline and populates the derived fields.
// Any failure leaves Validity false; Init never panics on hostile input.
func (s *Share) Init() {
	s.Validity = false

	// 1. Hash-ref sanity: every (0, n) tuple must reference a unique index
	// in NewTransactionHashes, and the dedup set must cover the list
	// exactly. Ancestor references are depth-bounded.
	seen := make(map[uint64]struct{})
	for _, ref := range s.Info.TransactionHashRefs {
		if ref.ShareCount >= maxShareCount {
			return
		}
		if ref.ShareCount == 0 {
			if ref.TxCount >= uint64(len(s.Info.NewTransactionHashes)) {
				return
			}
			if _, dup := seen[ref.TxCount]; dup {
				return
			}
			seen[ref.TxCount] = struct{}{}
		}
	}
	if len(seen) != len(s.Info.NewTransactionHashes) {
		return
	}

	// 2. Payout script and numeric target.
	s.NewScript = util.Hash160Script(s.Info.Data.PubkeyHash)
	s.Target = util.CompactToTarget(s.Info.Bits)

	// 3. Bind the share info into the generation tx via the hash link.
	infoLeaf := util.DoubleSHA256(append(append([]byte(nil), s.params.Identifier...),
		s.Info.Serialize(s.params.IsSegwitActivated(s.Version))...))
	refHash := merkle.Aggregate(infoLeaf, s.RefMerkleLink)

	suffix := util.NewWriter()
	suffix.WriteHash(refHash)
	suffix.WriteUint64(s.LastTxoutNonce)
	suffix.WriteUint32(0) // locktime
	gentxHash, err := s.HashLink.Check(suffix.Bytes(), GentxBeforeRefhash())
	if err != nil {
		return
	}
	s.GentxHash = gentxHash

	// 4-5. Merkle root over the chosen transaction link. Segwit shares
	// commit through the txid link when present.
	link := s.MerkleLink
	if s.params.IsSegwitActivated(s.Version) && s.Info.Segwit != nil && len(s.Info.Segwit.TxIDMerkleLink.Branch) > 0 {
		link = s.Info.Segwit.TxIDMerkleLink.Branch
	}
	merkleRoot := merkle.Aggregate(gentxHash, link)

	// 6. Header hash.
	s.Hash = s.MinHeader.CalculateHash(merkleRoot)
	s.HashHex = util.HashToHex(s.Hash)

	// 7. Share target must not be easier than the chain maximum.
	if s.Target.Cmp(s.params.MaxTarget) > 0 {
		return
	}

	// 8. Proof of work over the full header.
	pow := s.params.PowFunc(s.MinHeader.FullHeader(merkleRoot))
	if util.HashToBig(pow).Cmp(s.Target) > 0 {
		return
	}

	s.Validity = true
}

// MaxNewTxsSize returns the variant's limit on newly introduced
// transaction data.
func (s *Share) MaxNewTxsSize() int {
	return s.variant.MaxNewTxsSize
}
