package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// TxProtocolID is the stream protocol carrying gossip frames.
const TxProtocolID = protocol.ID("/sharenet/tx/1.0.0")

const peersFile = "peers.json"

// Host manages the libp2p transport and feeds accepted streams into the
// coordinator. Discovery does NOT start in NewHost; call StartDiscovery
// after the coordinator is primed so peers never connect before the
// stream handler can serve them.
type Host struct {
	Host   host.Host
	Logger *zap.Logger

	ctx     context.Context
	dataDir string
	coord   *Coordinator

	discovery *Discovery

	peerConnected chan peer.ID
}

// NewHost creates the libp2p host and registers the gossip stream
// handler.
func NewHost(ctx context.Context, listenPort int, dataDir string, coord *Coordinator, logger *zap.Logger) (*Host, error) {
	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)

	// Load or create persistent identity (stable peer ID across restarts)
	privKey, err := LoadOrCreateIdentity(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	cm, err := connmgr.NewConnManager(50, 100, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	gh := &Host{
		Host:          h,
		Logger:        logger,
		ctx:           ctx,
		dataDir:       dataDir,
		coord:         coord,
		peerConnected: make(chan peer.ID, 16),
	}

	h.SetStreamHandler(TxProtocolID, gh.handleStream)
	h.Network().Notify(&peerNotifiee{peerConnected: gh.peerConnected})
	go gh.dialLoop(ctx)

	logger.Info("gossip host started",
		zap.String("peer_id", h.ID().String()),
		zap.Int("port", listenPort),
	)
	for _, addr := range h.Addrs() {
		logger.Info("listening on", zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, h.ID())))
	}

	return gh, nil
}

// StartDiscovery begins mDNS and DHT peer discovery.
func (gh *Host) StartDiscovery(ctx context.Context, enableMDNS bool, bootnodes []string) error {
	savedPeers, err := LoadPeers(gh.dataDir)
	if err != nil {
		gh.Logger.Warn("failed to load saved peers", zap.Error(err))
	} else if len(savedPeers) > 0 {
		gh.Logger.Info("loaded saved peers", zap.Int("count", len(savedPeers)))
	}

	gh.discovery, err = NewDiscovery(ctx, gh.Host, enableMDNS, bootnodes, savedPeers, gh.dataDir, gh.Logger)
	if err != nil {
		return fmt.Errorf("setup discovery: %w", err)
	}
	return nil
}

// handleStream registers an inbound gossip stream with the coordinator.
func (gh *Host) handleStream(s network.Stream) {
	tag := s.Conn().RemotePeer().String()
	if _, err := gh.coord.AddPeer(gh.ctx, s, tag); err != nil {
		gh.Logger.Warn("failed to register inbound peer", zap.String("peer", tag), zap.Error(err))
		s.Reset()
	}
}

// dialLoop opens a gossip stream to every newly connected peer for
// which we do not already hold one. Discovery produces raw connections;
// this turns them into protocol sessions.
func (gh *Host) dialLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pid := <-gh.peerConnected:
			tag := pid.String()
			if _, ok := gh.coord.Peer(tag); ok {
				continue
			}
			s, err := gh.Host.NewStream(ctx, pid, TxProtocolID)
			if err != nil {
				gh.Logger.Debug("failed to open gossip stream", zap.String("peer", tag), zap.Error(err))
				continue
			}
			if _, err := gh.coord.AddPeer(ctx, s, tag); err != nil {
				gh.Logger.Warn("failed to register outbound peer", zap.String("peer", tag), zap.Error(err))
				s.Reset()
			}
		}
	}
}

// Connect dials a peer multiaddr and opens a gossip stream to it.
func (gh *Host) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parse peer address %s: %w", addr, err)
	}
	if err := gh.Host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	s, err := gh.Host.NewStream(ctx, info.ID, TxProtocolID)
	if err != nil {
		return fmt.Errorf("open gossip stream to %s: %w", addr, err)
	}
	if _, err := gh.coord.AddPeer(ctx, s, info.ID.String()); err != nil {
		s.Reset()
		return err
	}
	return nil
}

// Close shuts down the transport, saving connected peers first.
func (gh *Host) Close() error {
	if err := gh.SavePeers(); err != nil {
		gh.Logger.Warn("failed to save peers on shutdown", zap.Error(err))
	}
	if gh.discovery != nil {
		gh.discovery.Close()
	}
	return gh.Host.Close()
}

// SavePeers writes the multiaddrs of currently connected peers to
// peers.json.
func (gh *Host) SavePeers() error {
	peers := gh.Host.Network().Peers()
	var infos []peer.AddrInfo
	for _, pid := range peers {
		addrs := gh.Host.Peerstore().Addrs(pid)
		if len(addrs) > 0 {
			infos = append(infos, peer.AddrInfo{ID: pid, Addrs: addrs})
		}
	}

	if len(infos) == 0 {
		return nil
	}

	// Marshal via an intermediate type so the JSON is human-readable.
	type jsonPeer struct {
		ID    string   `json:"id"`
		Addrs []string `json:"addrs"`
	}
	var jp []jsonPeer
	for _, info := range infos {
		var addrs []string
		for _, a := range info.Addrs {
			addrs = append(addrs, a.String())
		}
		jp = append(jp, jsonPeer{ID: info.ID.String(), Addrs: addrs})
	}

	data, err := json.MarshalIndent(jp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peers: %w", err)
	}

	path := filepath.Join(gh.dataDir, peersFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	gh.Logger.Info("saved peers", zap.Int("count", len(infos)), zap.String("path", path))
	return nil
}

// LoadPeers reads previously saved peer addresses from peers.json.
func LoadPeers(dataDir string) ([]peer.AddrInfo, error) {
	path := filepath.Join(dataDir, peersFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	type jsonPeer struct {
		ID    string   `json:"id"`
		Addrs []string `json:"addrs"`
	}
	var jp []jsonPeer
	if err := json.Unmarshal(data, &jp); err != nil {
		return nil, fmt.Errorf("unmarshal peers: %w", err)
	}

	var infos []peer.AddrInfo
	for _, p := range jp {
		pid, err := peer.Decode(p.ID)
		if err != nil {
			continue
		}
		var addrs []ma.Multiaddr
		for _, a := range p.Addrs {
			maddr, err := ma.NewMultiaddr(a)
			if err != nil {
				continue
			}
			addrs = append(addrs, maddr)
		}
		if len(addrs) > 0 {
			infos = append(infos, peer.AddrInfo{ID: pid, Addrs: addrs})
		}
	}

	return infos, nil
}

// peerNotifiee implements network.Notifiee to detect new peer
// connections.
type peerNotifiee struct {
	peerConnected chan peer.ID
}

func (pn *peerNotifiee) Connected(_ network.Network, conn network.Conn) {
	// Only initiate from the dialing side so both ends do not open
	// duplicate gossip streams.
	if conn.Stat().Direction != network.DirOutbound {
		return
	}
	select {
	case pn.peerConnected <- conn.RemotePeer():
	default:
	}
}

func (pn *peerNotifiee) Disconnected(network.Network, network.Conn) {}
func (pn *peerNotifiee) Listen(network.Network, ma.Multiaddr)      {}
func (pn *peerNotifiee) ListenClose(network.Network, ma.Multiaddr) {}
