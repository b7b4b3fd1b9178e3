package gossip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// minProtocolVersion is the oldest protocol revision we still talk to.
const minProtocolVersion = 3200

// peerHandler receives decoded gossip events from a peer's read loop.
// Handlers returning an error cause a protocol-violation disconnect.
type peerHandler interface {
	onPeerVerified(p *Peer)
	onHaveTx(p *Peer, hashes []string) error
	onLosingTx(p *Peer, hashes []string) error
	onRememberTx(p *Peer, hashes []string, txs [][]byte) error
	onForgetTx(p *Peer, hashes []string, totalSize uint64) error
	onPeerClosed(p *Peer, err error)
}

// Peer is one gossip connection. The transport is any
// io.ReadWriteCloser; in production it is a libp2p stream, in tests a
// net.Pipe end.
type Peer struct {
	conn    io.ReadWriteCloser
	tag     string
	logger  *zap.Logger
	handler peerHandler
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu sync.Mutex
	// rememberedTxs holds transactions this peer asked us to pin for its
	// next share, keyed by display hash.
	rememberedTxs map[string][]byte
	// remoteTxHashes tracks which of our known transactions the remote
	// side has announced via have_tx.
	remoteTxHashes map[string]struct{}
	verified       bool
	closed         bool
}

func newPeer(conn io.ReadWriteCloser, tag string, handler peerHandler, logger *zap.Logger) *Peer {
	return &Peer{
		conn:           conn,
		tag:            tag,
		logger:         logger.With(zap.String("peer", tag)),
		handler:        handler,
		limiter:        rate.NewLimiter(100, 20),
		rememberedTxs:  make(map[string][]byte),
		remoteTxHashes: make(map[string]struct{}),
	}
}

// Tag returns the peer's connection tag, host:port for TCP transports.
func (p *Peer) Tag() string {
	return p.tag
}

// Verified reports whether the version handshake completed.
func (p *Peer) Verified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verified
}

// RememberedTxs returns a snapshot of the transactions pinned for this
// peer.
func (p *Peer) RememberedTxs() map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte, len(p.rememberedTxs))
	for k, v := range p.rememberedTxs {
		out[k] = v
	}
	return out
}

// RemoteKnows reports whether the remote side announced the given hash.
func (p *Peer) RemoteKnows(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.remoteTxHashes[hash]
	return ok
}

func (p *Peer) hasRemembered(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rememberedTxs[hash]
	return ok
}

func (p *Peer) remember(hash string, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rememberedTxs[hash] = raw
}

// forget drops a remembered transaction and returns its serialized
// size.
func (p *Peer) forget(hash string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.rememberedTxs[hash]
	if !ok {
		return 0, false
	}
	delete(p.rememberedTxs, hash)
	return len(raw), true
}

func (p *Peer) addRemoteHashes(hashes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.remoteTxHashes[h] = struct{}{}
	}
}

func (p *Peer) removeRemoteHashes(hashes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.remoteTxHashes, h)
	}
}

func (p *Peer) send(msg interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.conn, msg)
}

// SendVersion opens the handshake.
func (p *Peer) SendVersion(nonce uint64, userAgent string) error {
	return p.send(&VersionMessage{
		Type:      MsgTypeVersion,
		Version:   ProtocolVersion,
		Nonce:     nonce,
		UserAgent: userAgent,
	})
}

// SendHaveTx announces hashes we know in full.
func (p *Peer) SendHaveTx(hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	return p.send(&HaveTxMessage{Type: MsgTypeHaveTx, Hashes: hashes})
}

// SendLosingTx announces hashes we stopped tracking.
func (p *Peer) SendLosingTx(hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	return p.send(&LosingTxMessage{Type: MsgTypeLosingTx, Hashes: hashes})
}

// SendRememberTx asks the remote side to pin transactions, by hash
// where it already knows them and in full otherwise.
func (p *Peer) SendRememberTx(hashes []string, txs [][]byte) error {
	if len(hashes) == 0 && len(txs) == 0 {
		return nil
	}
	return p.send(&RememberTxMessage{Type: MsgTypeRememberTx, Hashes: hashes, Txs: txs})
}

// SendForgetTx releases previously remembered transactions.
func (p *Peer) SendForgetTx(hashes []string, totalSize uint64) error {
	if len(hashes) == 0 {
		return nil
	}
	return p.send(&ForgetTxMessage{Type: MsgTypeForgetTx, Hashes: hashes, TotalSize: totalSize})
}

// Close tears the connection down. Safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.conn.Close()
}

// run is the peer's read loop. It returns when the connection closes or
// a protocol violation occurs, reporting the cause to the handler.
func (p *Peer) run(ctx context.Context, ownNonce uint64) {
	err := p.readLoop(ctx, ownNonce)
	p.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		p.logger.Warn("Peer disconnected", zap.Error(err))
	}
	p.handler.onPeerClosed(p, err)
}

func (p *Peer) readLoop(ctx context.Context, ownNonce uint64) error {
	for {
		payload, err := readFrame(p.conn)
		if err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		msgType, msg, err := decodeMessage(payload)
		if err != nil {
			return err
		}
		if msg == nil {
			p.logger.Debug("Ignoring unknown message type", zap.Uint8("type", uint8(msgType)))
			continue
		}

		if err := p.dispatch(msg, ownNonce); err != nil {
			return err
		}
	}
}

func (p *Peer) dispatch(msg interface{}, ownNonce uint64) error {
	if v, ok := msg.(*VersionMessage); ok {
		return p.handleVersion(v, ownNonce)
	}

	p.mu.Lock()
	verified := p.verified
	p.mu.Unlock()
	if !verified {
		return fmt.Errorf("message before version handshake")
	}

	switch m := msg.(type) {
	case *HaveTxMessage:
		return p.handler.onHaveTx(p, m.Hashes)
	case *LosingTxMessage:
		return p.handler.onLosingTx(p, m.Hashes)
	case *RememberTxMessage:
		return p.handler.onRememberTx(p, m.Hashes, m.Txs)
	case *ForgetTxMessage:
		return p.handler.onForgetTx(p, m.Hashes, m.TotalSize)
	default:
		return nil
	}
}

func (p *Peer) handleVersion(v *VersionMessage, ownNonce uint64) error {
	if v.Version < minProtocolVersion {
		return fmt.Errorf("protocol version %d below minimum %d", v.Version, minProtocolVersion)
	}
	if v.Nonce == ownNonce {
		return fmt.Errorf("connected to self")
	}

	p.mu.Lock()
	if p.verified {
		p.mu.Unlock()
		return fmt.Errorf("duplicate version message")
	}
	p.verified = true
	p.mu.Unlock()

	p.logger.Info("Peer verified",
		zap.Uint32("version", v.Version),
		zap.String("user_agent", v.UserAgent))
	p.handler.onPeerVerified(p)
	return nil
}
