package share

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/sharenet-dev/sharenet/internal/merkle"
	"github.com/sharenet-dev/sharenet/pkg/util"
)

func testParams() *Params {
	return &Params{
		Identifier:              []byte{0x83, 0xe6, 0x5d, 0x2c},
		PowFunc:                 PowSHA256d,
		MaxTarget:               util.CompactToTarget(0x207fffff),
		SegwitActivationVersion: 17,
	}
}

// buildValidShare constructs a share whose hash link, merkle links and
// proof of work all check out. The nonce is ground against a very easy
// target so mining completes in a handful of iterations.
func buildValidShare(t *testing.T, params *Params, version uint64) *Share {
	t.Helper()

	info := &ShareInfo{
		Data: ShareData{
			Coinbase:       []byte{0x01, 0x02, 0x03, 0x04},
			Nonce:          42,
			Subsidy:        312500000,
			Donation:       200,
			DesiredVersion: version,
		},
		Bits:      0x207fffff,
		Timestamp: 1700000000,
		AbsHeight: 1000,
		AbsWork:   big.NewInt(123456),
	}
	copy(info.Data.PubkeyHash[:], bytes.Repeat([]byte{0xaa}, 20))
	if params.IsSegwitActivated(version) {
		info.Segwit = &SegwitData{}
	}

	const lastTxoutNonce = 987654321
	hl := NewHashLink(GentxBeforeRefhash())

	infoLeaf := util.DoubleSHA256(append(append([]byte(nil), params.Identifier...),
		info.Serialize(params.IsSegwitActivated(version))...))
	refHash := merkle.Aggregate(infoLeaf, nil)

	suffix := util.NewWriter()
	suffix.WriteHash(refHash)
	suffix.WriteUint64(lastTxoutNonce)
	suffix.WriteUint32(0)
	gentxHash, err := hl.Check(suffix.Bytes(), GentxBeforeRefhash())
	if err != nil {
		t.Fatalf("hash link check: %v", err)
	}

	header := SmallBlockHeader{
		Version:   536870912,
		Timestamp: 1700000000,
		Bits:      0x207fffff,
	}
	target := util.CompactToTarget(header.Bits)
	mined := false
	for nonce := uint32(0); nonce < 100000; nonce++ {
		header.Nonce = nonce
		pow := params.PowFunc(header.FullHeader(gentxHash))
		if util.HashToBig(pow).Cmp(target) <= 0 {
			mined = true
			break
		}
	}
	if !mined {
		t.Fatalf("failed to mine test share")
	}

	s, err := New(params, version, header, info, nil, lastTxoutNonce, hl, nil)
	if err != nil {
		t.Fatalf("new share: %v", err)
	}
	return s
}

func TestVerifyConstants(t *testing.T) {
	if err := VerifyConstants(); err != nil {
		t.Fatalf("verify constants: %v", err)
	}
}

func TestShare_ValidConstruction(t *testing.T) {
	params := testParams()
	for _, version := range []uint64{16, 17} {
		s := buildValidShare(t, params, version)
		if !s.Validity {
			t.Errorf("version %d: share not valid", version)
		}
		if s.HashHex == "" {
			t.Errorf("version %d: missing display hash", version)
		}
		if s.Target == nil || s.Target.Sign() <= 0 {
			t.Errorf("version %d: bad target", version)
		}
		if len(s.NewScript) == 0 {
			t.Errorf("version %d: missing payout script", version)
		}
	}
}

func TestShare_SerializeParseRoundTrip(t *testing.T) {
	params := testParams()
	for _, version := range []uint64{16, 17} {
		s := buildValidShare(t, params, version)
		b := s.Serialize()

		parsed, err := ParseBytes(b, version, params)
		if err != nil {
			t.Fatalf("version %d: parse: %v", version, err)
		}
		if !parsed.Validity {
			t.Errorf("version %d: reparsed share not valid", version)
		}
		if parsed.Hash != s.Hash {
			t.Errorf("version %d: hash changed across round trip", version)
		}
		if !bytes.Equal(parsed.Serialize(), b) {
			t.Errorf("version %d: serialization not byte-exact", version)
		}
	}
}

func TestShare_UnknownVersion(t *testing.T) {
	params := testParams()
	s := buildValidShare(t, params, 17)

	_, err := ParseBytes(s.Serialize(), 99, params)
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("err = %v, want ErrUnknownVersion", err)
	}
	_, err = New(params, 99, s.MinHeader, s.Info, nil, s.LastTxoutNonce, s.HashLink, nil)
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("err = %v, want ErrUnknownVersion", err)
	}
}

func TestShare_DuplicateTxRefInvalid(t *testing.T) {
	params := testParams()
	s := buildValidShare(t, params, 17)

	var h [32]byte
	h[0] = 0x01
	s.Info.NewTransactionHashes = [][32]byte{h}
	s.Info.TransactionHashRefs = []TxRef{{0, 0}, {0, 0}}
	s.Init()
	if s.Validity {
		t.Fatalf("share with duplicate tx ref passed validation")
	}
}

func TestShare_UncoveredNewTxInvalid(t *testing.T) {
	params := testParams()
	s := buildValidShare(t, params, 17)

	var h [32]byte
	h[0] = 0x02
	s.Info.NewTransactionHashes = [][32]byte{h}
	s.Info.TransactionHashRefs = nil
	s.Init()
	if s.Validity {
		t.Fatalf("share with unreferenced new tx passed validation")
	}
}

func TestShare_ExcessiveShareCountInvalid(t *testing.T) {
	params := testParams()
	s := buildValidShare(t, params, 17)

	s.Info.TransactionHashRefs = []TxRef{{maxShareCount, 0}}
	s.Init()
	if s.Validity {
		t.Fatalf("share referencing too-deep ancestor passed validation")
	}
}

func TestShare_TargetAboveMaximumInvalid(t *testing.T) {
	params := testParams()
	s := buildValidShare(t, params, 17)

	// A target easier than the chain maximum is rejected outright.
	s.Info.Bits = 0x2100ffff
	s.Init()
	if s.Validity {
		t.Fatalf("share with too-easy target passed validation")
	}
}

func TestShare_BadHashLinkGeometryInvalid(t *testing.T) {
	params := testParams()
	s := buildValidShare(t, params, 17)

	s.HashLink.Length++
	s.Init()
	if s.Validity {
		t.Fatalf("share with inconsistent hash link passed validation")
	}
}

func TestShare_TruncatedBuffer(t *testing.T) {
	params := testParams()
	s := buildValidShare(t, params, 17)
	b := s.Serialize()

	for _, n := range []int{0, 1, 30, len(b) / 2, len(b) - 1} {
		if _, err := ParseBytes(b[:n], 17, params); err == nil {
			t.Errorf("parse of %d-byte truncation succeeded", n)
		}
	}
}

func TestHashLink_ResumesPrefix(t *testing.T) {
	prefix := bytes.Repeat([]byte{0x5c}, 100)
	suffix := bytes.Repeat([]byte{0x3a}, 44)

	hl := NewHashLink(prefix)
	got, err := hl.Check(suffix, prefix)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := util.DoubleSHA256(append(append([]byte(nil), prefix...), suffix...))
	if got != want {
		t.Fatalf("digest mismatch: %x != %x", got, want)
	}
}

func TestHashLink_BlockAlignedPrefix(t *testing.T) {
	prefix := bytes.Repeat([]byte{0x11}, 128)
	hl := NewHashLink(prefix)
	if len(hl.ExtraData) != 0 {
		t.Fatalf("aligned prefix left a tail of %d bytes", len(hl.ExtraData))
	}

	got, err := hl.Check([]byte{0xff}, prefix)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := util.DoubleSHA256(append(append([]byte(nil), prefix...), 0xff))
	if got != want {
		t.Fatalf("digest mismatch")
	}
}

func TestHashLink_RejectsBadGeometry(t *testing.T) {
	prefix := bytes.Repeat([]byte{0x22}, 79)
	hl := NewHashLink(prefix)

	if _, err := hl.Check(nil, prefix[:78]); err == nil {
		t.Errorf("length mismatch accepted")
	}

	long := &HashLink{Length: 200, ExtraData: make([]byte, 64)}
	if _, err := long.Check(nil, make([]byte, 200)); err == nil {
		t.Errorf("oversized tail accepted")
	}

	misaligned := &HashLink{Length: 100, ExtraData: make([]byte, 30)}
	if _, err := misaligned.Check(nil, make([]byte, 100)); err == nil {
		t.Errorf("misaligned compressed length accepted")
	}
}

func TestVariantConstants(t *testing.T) {
	v16, ok := LookupVariant(16)
	if !ok || v16.MaxNewTxsSize != 50000 {
		t.Errorf("v16 = %+v, ok = %v", v16, ok)
	}
	v17, ok := LookupVariant(17)
	if !ok || v17.MaxNewTxsSize != 100000 {
		t.Errorf("v17 = %+v, ok = %v", v17, ok)
	}
	if _, ok := LookupVariant(15); ok {
		t.Errorf("v15 should not exist")
	}
}

func TestCache_RejectsInvalid(t *testing.T) {
	params := testParams()
	c, err := NewCache(8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	s := buildValidShare(t, params, 17)
	c.Add(s)
	if _, ok := c.Get(s.Hash); !ok {
		t.Fatalf("valid share not cached")
	}

	bad := buildValidShare(t, params, 16)
	bad.Info.Bits = 0x2100ffff
	bad.Init()
	if bad.Validity {
		t.Fatalf("tampered share still valid")
	}
	c.Add(bad)
	if c.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.Len())
	}
}
