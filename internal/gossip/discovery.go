package gossip

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	leveldb "github.com/ipfs/go-ds-leveldb"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"go.uber.org/zap"
)

const (
	// MDNSServiceTag is the mDNS service tag for LAN discovery.
	MDNSServiceTag = "sharenet.local"

	// DHTNamespace is the rendezvous string nodes advertise and search
	// under in the Kademlia DHT.
	DHTNamespace = "sharenet"
)

// scanInterval paces the DHT peer search.
const scanInterval = 30 * time.Second

// Discovery keeps the host connected to the network: it dials peers
// remembered from the last run and the configured bootnodes, then keeps
// advertising and searching the DHT rendezvous point.
type Discovery struct {
	host   host.Host
	logger *zap.Logger
	dht    *dht.IpfsDHT
	dhtDS  io.Closer // nil when the datastore fell back to memory
}

// NewDiscovery wires up mDNS and the DHT and starts the maintenance
// loop. savedPeers are dialed before the DHT bootstraps so the routing
// table has somewhere to start even without bootnodes.
func NewDiscovery(ctx context.Context, h host.Host, enableMDNS bool, bootnodes []string, savedPeers []peer.AddrInfo, dataDir string, logger *zap.Logger) (*Discovery, error) {
	d := &Discovery{
		host:   h,
		logger: logger,
	}

	if enableMDNS {
		svc := mdns.NewMdnsService(h, MDNSServiceTag, d)
		if err := svc.Start(); err != nil {
			logger.Warn("mDNS setup failed", zap.Error(err))
		} else {
			logger.Info("mDNS discovery enabled")
		}
	}

	for _, pi := range savedPeers {
		d.dialPeer(ctx, pi, "saved peer")
	}

	if err := d.openDHT(ctx, dataDir); err != nil {
		return nil, err
	}

	for _, bn := range bootnodes {
		info, err := peer.AddrInfoFromString(bn)
		if err != nil {
			logger.Warn("invalid bootnode address", zap.String("addr", bn), zap.Error(err))
			continue
		}
		d.dialPeer(ctx, *info, "bootnode")
	}

	if err := d.dht.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap DHT: %w", err)
	}
	d.awaitRoutingTable(ctx)

	go d.maintain(ctx, drouting.NewRoutingDiscovery(d.dht))
	return d, nil
}

// openDHT creates the Kademlia DHT over a persistent LevelDB routing
// datastore, falling back to memory if the store cannot be opened.
func (d *Discovery) openDHT(ctx context.Context, dataDir string) error {
	opts := []dht.Option{dht.Mode(dht.ModeAutoServer)}

	ds, err := leveldb.NewDatastore(filepath.Join(dataDir, "dht"), nil)
	if err != nil {
		d.logger.Warn("failed to open DHT datastore, falling back to in-memory", zap.Error(err))
	} else {
		d.dhtDS = ds
		opts = append(opts, dht.Datastore(ds))
	}

	kad, err := dht.New(ctx, d.host, opts...)
	if err != nil {
		if d.dhtDS != nil {
			d.dhtDS.Close()
		}
		return fmt.Errorf("create DHT: %w", err)
	}
	d.dht = kad
	return nil
}

// awaitRoutingTable blocks briefly for the bootstrap refresh so the
// maintenance loop does not start against an empty table.
func (d *Discovery) awaitRoutingTable(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	select {
	case err := <-d.dht.RefreshRoutingTable():
		if err != nil {
			d.logger.Warn("DHT routing table refresh error", zap.Error(err))
		}
		d.logger.Info("DHT routing table ready", zap.Int("peers", d.dht.RoutingTable().Size()))
	case <-waitCtx.Done():
		d.logger.Warn("DHT routing table refresh timed out", zap.Int("peers", d.dht.RoutingTable().Size()))
	}
}

// Close shuts down the DHT and its persistent datastore.
func (d *Discovery) Close() error {
	if err := d.dht.Close(); err != nil {
		d.logger.Warn("DHT close error", zap.Error(err))
	}
	if d.dhtDS != nil {
		return d.dhtDS.Close()
	}
	return nil
}

// HandlePeerFound is called by mDNS when a LAN peer announces itself.
func (d *Discovery) HandlePeerFound(pi peer.AddrInfo) {
	d.dialPeer(context.Background(), pi, "mDNS peer")
}

// maintain runs the advertise/search cycle. Advertisement renews when
// its TTL lapses; the search runs every cycle.
func (d *Discovery) maintain(ctx context.Context, rd *drouting.RoutingDiscovery) {
	var advertiseDue time.Time

	for {
		if !d.waitForRoutingPeers(ctx) {
			return
		}

		if !time.Now().Before(advertiseDue) {
			ttl, err := rd.Advertise(ctx, DHTNamespace)
			if err != nil {
				d.logger.Debug("DHT advertise error", zap.Error(err))
				ttl = scanInterval
			} else if ttl <= 0 {
				ttl = 10 * time.Minute
			}
			advertiseDue = time.Now().Add(ttl)
		}

		d.searchOnce(ctx, rd)

		select {
		case <-ctx.Done():
			return
		case <-time.After(scanInterval):
		}
	}
}

// searchOnce drains one FindPeers query, dialing every usable result.
func (d *Discovery) searchOnce(ctx context.Context, rd *drouting.RoutingDiscovery) {
	peerCh, err := rd.FindPeers(ctx, DHTNamespace)
	if err != nil {
		d.logger.Debug("DHT find peers error", zap.Error(err))
		return
	}
	for pi := range peerCh {
		if len(pi.Addrs) == 0 {
			continue
		}
		d.dialPeer(ctx, pi, "DHT peer")
	}
}

// dialPeer connects to a discovered peer unless it is us or already
// connected. Failures are logged and forgotten; discovery will find the
// peer again if it matters.
func (d *Discovery) dialPeer(ctx context.Context, pi peer.AddrInfo, kind string) {
	if pi.ID == d.host.ID() || pi.ID == "" {
		return
	}
	if d.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	if err := d.host.Connect(ctx, pi); err != nil {
		d.logger.Debug("failed to connect", zap.String("kind", kind), zap.String("peer", pi.ID.String()), zap.Error(err))
		return
	}
	d.logger.Info("connected", zap.String("kind", kind), zap.String("peer", pi.ID.String()))
}

// waitForRoutingPeers blocks until the DHT routing table has at least
// one peer or the context is cancelled.
func (d *Discovery) waitForRoutingPeers(ctx context.Context) bool {
	const pollInterval = 5 * time.Second
	for d.dht.RoutingTable().Size() == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
	return true
}
