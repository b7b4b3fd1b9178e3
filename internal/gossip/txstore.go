package gossip

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var knownTxsBucket = []byte("known_txs")

// TxStore persists the known-transaction set so a restarted node can
// answer remember_tx references made against its previous life.
type TxStore struct {
	db *bolt.DB
}

// NewTxStore opens or creates the store at path.
func NewTxStore(path string) (*TxStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open tx store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(knownTxsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tx bucket: %w", err)
	}
	return &TxStore{db: db}, nil
}

// Save replaces the persisted set with the given snapshot.
func (s *TxStore) Save(txs TxMap) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(knownTxsBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(knownTxsBucket)
		if err != nil {
			return err
		}
		for key, t := range txs {
			data, err := cbor.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal tx %s: %w", key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads the persisted snapshot.
func (s *TxStore) Load() (TxMap, error) {
	out := make(TxMap)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(knownTxsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			t := &TxTemplate{}
			if err := cbor.Unmarshal(v, t); err != nil {
				return fmt.Errorf("unmarshal tx %s: %w", string(k), err)
			}
			out[string(k)] = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (s *TxStore) Close() error {
	return s.db.Close()
}
