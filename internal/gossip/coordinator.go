package gossip

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/sharenet-dev/sharenet/internal/metrics"
)

// knownTxsCacheDepth bounds the ring of recently forgotten snapshots.
// The ring absorbs reordering between losing_tx and remember_tx flights
// from peers that saw a transaction before we dropped it.
const knownTxsCacheDepth = 10

// Coordinator owns the peer set and the shared transaction view. All
// state mutations run under one mutex; observable listeners fire while
// it is held, so a commit's broadcast completes before the committing
// call returns.
type Coordinator struct {
	logger    *zap.Logger
	store     *TxStore
	nonce     uint64
	userAgent string

	mu             sync.Mutex
	peers          map[string]*Peer
	knownTxs       *ObservableTxMap
	miningTxs      *ObservableTxMap
	knownTxsCaches []TxMap
}

// NewCoordinator creates a coordinator. store may be nil to disable
// known-tx persistence.
func NewCoordinator(logger *zap.Logger, store *TxStore, userAgent string) (*Coordinator, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	c := &Coordinator{
		logger:    logger,
		store:     store,
		nonce:     binary.LittleEndian.Uint64(buf[:]),
		userAgent: userAgent,
		peers:     make(map[string]*Peer),
		knownTxs:  NewObservableTxMap(),
		miningTxs: NewObservableTxMap(),
	}
	c.knownTxs.Observe(c.onKnownTxsChanged)
	c.miningTxs.Observe(c.onMiningTxsChanged)

	if store != nil {
		known, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load known txs: %w", err)
		}
		if len(known) > 0 {
			c.knownTxs.value = known
			logger.Info("Restored known transactions", zap.Int("count", len(known)))
		}
	}
	return c, nil
}

// AddPeer registers a connection under its tag, opens the handshake,
// and starts the read loop. An existing peer under the same tag is
// replaced.
func (c *Coordinator) AddPeer(ctx context.Context, conn io.ReadWriteCloser, tag string) (*Peer, error) {
	p := newPeer(conn, tag, c, c.logger)

	c.mu.Lock()
	if old, ok := c.peers[tag]; ok {
		old.Close()
	}
	c.peers[tag] = p
	metrics.GossipPeers.Set(float64(len(c.peers)))
	c.mu.Unlock()

	if err := p.SendVersion(c.nonce, c.userAgent); err != nil {
		c.dropPeer(p)
		return nil, fmt.Errorf("send version to %s: %w", tag, err)
	}
	go p.run(ctx, c.nonce)
	return p, nil
}

// Peer returns the registered peer for a tag.
func (c *Coordinator) Peer(tag string) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[tag]
	return p, ok
}

// PeerCount returns the number of registered peers.
func (c *Coordinator) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// KnownTxs returns the current known-transaction snapshot.
func (c *Coordinator) KnownTxs() TxMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownTxs.Get()
}

// MiningTxs returns the current mining-transaction snapshot.
func (c *Coordinator) MiningTxs() TxMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.miningTxs.Get()
}

// SetKnownTxs commits a new known-transaction snapshot, broadcasting
// the diff before returning.
func (c *Coordinator) SetKnownTxs(new TxMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownTxs.Set(new)
}

// UpdateGbt rebuilds the mining set from a fresh block template's
// transactions and merges them into the known set. Both commits fire
// their diff broadcasts synchronously.
func (c *Coordinator) UpdateGbt(txs []*TxTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mining := make(TxMap, len(txs))
	for _, t := range txs {
		mining[t.Key()] = t
	}

	known := c.knownTxs.Get().Copy()
	for k, t := range mining {
		known[k] = t
	}

	c.knownTxs.Set(known)
	c.miningTxs.Set(mining)
}

// Close tears down every peer connection.
func (c *Coordinator) Close() {
	c.mu.Lock()
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}

func (c *Coordinator) dropPeer(p *Peer) {
	c.mu.Lock()
	if cur, ok := c.peers[p.tag]; ok && cur == p {
		delete(c.peers, p.tag)
	}
	metrics.GossipPeers.Set(float64(len(c.peers)))
	c.mu.Unlock()
	p.Close()
}

// onPeerVerified primes a freshly verified peer with our full
// transaction view.
func (c *Coordinator) onPeerVerified(p *Peer) {
	c.mu.Lock()
	knownKeys := c.knownTxs.Get().Keys()
	miningTxs := make([][]byte, 0, len(c.miningTxs.Get()))
	for _, t := range c.miningTxs.Get() {
		raw, err := t.Raw()
		if err != nil {
			c.logger.Warn("Skipping undecodable mining tx", zap.String("key", t.Key()), zap.Error(err))
			continue
		}
		miningTxs = append(miningTxs, raw)
	}
	c.mu.Unlock()

	if err := p.SendHaveTx(knownKeys); err != nil {
		c.logger.Warn("Failed to prime peer", zap.String("peer", p.Tag()), zap.Error(err))
		return
	}
	if err := p.SendRememberTx(nil, miningTxs); err != nil {
		c.logger.Warn("Failed to prime peer", zap.String("peer", p.Tag()), zap.Error(err))
	}
}

func (c *Coordinator) onHaveTx(p *Peer, hashes []string) error {
	p.addRemoteHashes(hashes)
	return nil
}

func (c *Coordinator) onLosingTx(p *Peer, hashes []string) error {
	p.removeRemoteHashes(hashes)
	return nil
}

// onRememberTx pins transactions on the sender's behalf. A hash
// referenced twice within one call, a hash already remembered, or a
// hash found in neither the known set nor any forgotten snapshot is a
// protocol violation.
func (c *Coordinator) onRememberTx(p *Peer, hashes []string, txs [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(hashes)+len(txs))
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			metrics.ProtocolViolations.Inc()
			return fmt.Errorf("remember_tx references %s twice", h)
		}
		if p.hasRemembered(h) {
			metrics.ProtocolViolations.Inc()
			return fmt.Errorf("remember_tx references already remembered %s", h)
		}
		seen[h] = struct{}{}

		t, ok := c.lookupTx(h)
		if !ok {
			metrics.ProtocolViolations.Inc()
			return fmt.Errorf("remember_tx references unknown tx %s", h)
		}
		raw, err := t.Raw()
		if err != nil {
			return fmt.Errorf("remember_tx: %w", err)
		}
		p.remember(h, raw)
	}

	working := c.knownTxs.Get().Copy()
	changed := false
	for _, raw := range txs {
		t := templateFromRaw(raw)
		h := t.Key()
		if _, dup := seen[h]; dup {
			metrics.ProtocolViolations.Inc()
			return fmt.Errorf("remember_tx carries %s twice", h)
		}
		if p.hasRemembered(h) {
			metrics.ProtocolViolations.Inc()
			return fmt.Errorf("remember_tx carries already remembered %s", h)
		}
		seen[h] = struct{}{}
		p.remember(h, raw)
		if _, ok := working[h]; !ok {
			working[h] = t
			changed = true
		}
	}

	if changed {
		c.knownTxs.Set(working)
	}
	return nil
}

func (c *Coordinator) onForgetTx(p *Peer, hashes []string, totalSize uint64) error {
	var freed int
	for _, h := range hashes {
		size, ok := p.forget(h)
		if !ok {
			c.logger.Debug("forget_tx for unremembered hash", zap.String("peer", p.Tag()), zap.String("hash", h))
			continue
		}
		freed += size
	}
	if uint64(freed) != totalSize {
		c.logger.Debug("forget_tx size mismatch",
			zap.String("peer", p.Tag()),
			zap.Int("freed", freed),
			zap.Uint64("claimed", totalSize))
	}
	return nil
}

func (c *Coordinator) onPeerClosed(p *Peer, err error) {
	c.dropPeer(p)
	if err != nil {
		c.logger.Info("Removed peer after violation", zap.String("peer", p.Tag()), zap.Error(err))
	} else {
		c.logger.Debug("Removed peer", zap.String("peer", p.Tag()))
	}
}

// lookupTx resolves a hash against the known set, then the forgotten
// snapshots newest first. Callers hold c.mu.
func (c *Coordinator) lookupTx(hash string) (*TxTemplate, bool) {
	if t, ok := c.knownTxs.Get()[hash]; ok {
		return t, true
	}
	for i := len(c.knownTxsCaches) - 1; i >= 0; i-- {
		if t, ok := c.knownTxsCaches[i][hash]; ok {
			return t, true
		}
	}
	return nil, false
}

// onKnownTxsChanged broadcasts the diff and records removed entries in
// the forgotten-snapshot ring. Runs with c.mu held, inside Set.
func (c *Coordinator) onKnownTxsChanged(old, new TxMap) {
	metrics.KnownTxs.Set(float64(len(new)))

	var added, removed []string
	for k := range new {
		if _, ok := old[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			removed = append(removed, k)
		}
	}

	if len(added) > 0 {
		for _, p := range c.peers {
			if !p.Verified() {
				continue
			}
			if err := p.SendHaveTx(added); err != nil {
				c.logger.Debug("have_tx send failed", zap.String("peer", p.Tag()), zap.Error(err))
			}
		}
	}

	if len(removed) > 0 {
		for _, p := range c.peers {
			if !p.Verified() {
				continue
			}
			if err := p.SendLosingTx(removed); err != nil {
				c.logger.Debug("losing_tx send failed", zap.String("peer", p.Tag()), zap.Error(err))
			}
		}

		snapshot := make(TxMap, len(removed))
		for _, k := range removed {
			snapshot[k] = old[k]
		}
		c.knownTxsCaches = append(c.knownTxsCaches, snapshot)
		if len(c.knownTxsCaches) > knownTxsCacheDepth {
			c.knownTxsCaches = c.knownTxsCaches[1:]
		}
	}

	if c.store != nil {
		if err := c.store.Save(new); err != nil {
			c.logger.Warn("Failed to persist known txs", zap.Error(err))
		}
	}
}

// onMiningTxsChanged tells every peer which transactions to pin for our
// next share and which to release. Runs with c.mu held, inside Set.
func (c *Coordinator) onMiningTxsChanged(old, new TxMap) {
	metrics.MiningTxs.Set(float64(len(new)))

	var added []*TxTemplate
	for k, t := range new {
		if _, ok := old[k]; !ok {
			added = append(added, t)
		}
	}
	var removed []string
	var removedSize uint64
	for k, t := range old {
		if _, ok := new[k]; !ok {
			removed = append(removed, k)
			removedSize += uint64(t.Size())
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	for _, p := range c.peers {
		if !p.Verified() {
			continue
		}

		var hashes []string
		var fullTxs [][]byte
		for _, t := range added {
			if p.RemoteKnows(t.Key()) {
				hashes = append(hashes, t.Key())
				continue
			}
			raw, err := t.Raw()
			if err != nil {
				c.logger.Warn("Skipping undecodable mining tx", zap.String("key", t.Key()), zap.Error(err))
				continue
			}
			fullTxs = append(fullTxs, raw)
		}
		if err := p.SendRememberTx(hashes, fullTxs); err != nil {
			c.logger.Debug("remember_tx send failed", zap.String("peer", p.Tag()), zap.Error(err))
		}
		if err := p.SendForgetTx(removed, removedSize); err != nil {
			c.logger.Debug("forget_tx send failed", zap.String("peer", p.Tag()), zap.Error(err))
		}
	}
}
