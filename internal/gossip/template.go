package gossip

import (
	"encoding/hex"
	"fmt"

	"github.com/sharenet-dev/sharenet/pkg/util"
)

// TxTemplate is a transaction as delivered by the block template source:
// hex-encoded raw data plus its txid and hash (wtxid). Non-segwit
// transactions carry the same value in both.
type TxTemplate struct {
	TxID string `cbor:"1,keyasint"`
	Hash string `cbor:"2,keyasint"`
	Data string `cbor:"3,keyasint"`
}

// Key returns the template's identity key, preferring the txid.
func (t *TxTemplate) Key() string {
	if t.TxID != "" {
		return t.TxID
	}
	return t.Hash
}

// Raw decodes the hex transaction data.
func (t *TxTemplate) Raw() ([]byte, error) {
	raw, err := hex.DecodeString(t.Data)
	if err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", t.Key(), err)
	}
	return raw, nil
}

// Size returns the serialized transaction size in bytes.
func (t *TxTemplate) Size() int {
	return len(t.Data) / 2
}

// templateFromRaw rebuilds a template for a transaction received in full
// over the wire. The key is the txid, so forget_tx from a sender that
// knows the transaction from its own template matches; the Hash field
// keeps the hash of the serialization as delivered.
func templateFromRaw(raw []byte) *TxTemplate {
	id := raw
	if legacy, err := stripWitness(raw); err == nil {
		id = legacy
	}
	return &TxTemplate{
		TxID: util.HashToHex(util.DoubleSHA256(id)),
		Hash: util.HashToHex(util.DoubleSHA256(raw)),
		Data: hex.EncodeToString(raw),
	}
}

// stripWitness returns the legacy serialization of a transaction, with
// the segwit marker, flag and witness section removed, so hashing the
// result yields the txid. Non-segwit input passes through unchanged;
// anything that does not parse as a transaction is an error.
func stripWitness(raw []byte) ([]byte, error) {
	r := util.NewReader(raw)
	if _, err := r.ReadBytes(4); err != nil { // version
		return nil, err
	}
	marker, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if marker != 0x00 {
		return raw, nil
	}
	flag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if flag == 0x00 {
		return nil, fmt.Errorf("invalid segwit flag 0x00")
	}

	inCount, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < inCount; i++ {
		if _, err := r.ReadBytes(36); err != nil { // prevout
			return nil, err
		}
		if _, err := r.ReadVarString(); err != nil { // script sig
			return nil, err
		}
		if _, err := r.ReadBytes(4); err != nil { // sequence
			return nil, err
		}
	}

	outCount, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < outCount; i++ {
		if _, err := r.ReadBytes(8); err != nil { // value
			return nil, err
		}
		if _, err := r.ReadVarString(); err != nil { // script pubkey
			return nil, err
		}
	}
	bodyEnd := len(raw) - r.Remaining()

	for i := uint64(0); i < inCount; i++ {
		items, err := r.ReadVarInt()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < items; j++ {
			if _, err := r.ReadVarString(); err != nil {
				return nil, err
			}
		}
	}

	locktime, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after transaction", r.Remaining())
	}

	legacy := make([]byte, 0, len(raw)-2)
	legacy = append(legacy, raw[:4]...)
	legacy = append(legacy, raw[6:bodyEnd]...)
	legacy = append(legacy, locktime...)
	return legacy, nil
}
