// Package node wires the daemon watcher, gossip coordinator, task
// server, and stratum server into one process.
package node

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sharenet-dev/sharenet/internal/bitcoin"
	"github.com/sharenet-dev/sharenet/internal/config"
	"github.com/sharenet-dev/sharenet/internal/gossip"
	"github.com/sharenet-dev/sharenet/internal/metrics"
	"github.com/sharenet-dev/sharenet/internal/share"
	"github.com/sharenet-dev/sharenet/internal/stratum"
	"github.com/sharenet-dev/sharenet/internal/work"
	"github.com/sharenet-dev/sharenet/pkg/util"
)

// networkIdentifier is the share-chain magic prefixed to ShareInfo
// serializations when computing reference hashes.
var networkIdentifier = []byte{0x83, 0xe6, 0x5d, 0x2c, 0x81, 0xbf, 0x6d, 0x68}

// stratumDiff1Target is the "pool difficulty 1" target used to convert
// stratum difficulty values to hash targets. Corresponds to compact
// 0x1d00ffff.
var stratumDiff1Target = util.CompactToTarget(0x1d00ffff)

// maxTrackedTasks bounds the submission lookup window.
const maxTrackedTasks = 16

// shareRelay is the pubsub surface the node consumes shares from and
// re-announces them through.
type shareRelay interface {
	Incoming() <-chan *gossip.ShareEnvelope
	Publish(ctx context.Context, version uint64, payload []byte) error
}

// Node is the top-level orchestrator.
type Node struct {
	config *config.Config
	logger *zap.Logger

	daemon      *bitcoin.Client
	watcher     *bitcoin.Watcher
	txStore     *gossip.TxStore
	coordinator *gossip.Coordinator
	gossipHost  *gossip.Host
	stratumSrv  *stratum.Server
	taskServer  *work.TaskServer
	shareRelay  shareRelay
	shareParams *share.Params
	shareCache  *share.Cache

	payoutScript []byte

	feed *templateFeed

	tasksMu   sync.Mutex
	tasks     map[string]*work.Task
	taskOrder []string

	shareRejectCount uint64
	startTime        time.Time

	cancel context.CancelFunc
}

// templateFeed decouples the task server from the watcher so the node
// can update the gossip coordinator from the same template stream.
type templateFeed struct {
	ch      chan *bitcoin.BlockTemplate
	refresh func()
}

func (f *templateFeed) Templates() <-chan *bitcoin.BlockTemplate { return f.ch }
func (f *templateFeed) RefreshMiningInfo()                       { f.refresh() }

// NewNode creates a node.
func NewNode(cfg *config.Config, logger *zap.Logger) *Node {
	return &Node{
		config: cfg,
		logger: logger,
		tasks:  make(map[string]*work.Task),
	}
}

// Start initializes and starts all subsystems.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.startTime = time.Now()

	if err := share.VerifyConstants(); err != nil {
		return fmt.Errorf("share constants: %w", err)
	}
	n.shareParams = &share.Params{
		Identifier:              networkIdentifier,
		PowFunc:                 share.PowSHA256d,
		MaxTarget:               util.CompactToTarget(0x1d00ffff),
		SegwitActivationVersion: 17,
	}

	cache, err := share.NewCache(n.config.ShareCacheSize)
	if err != nil {
		return fmt.Errorf("share cache: %w", err)
	}
	n.shareCache = cache

	pubkeyHash, err := util.HexToBytes(n.config.PayoutPubkeyHash)
	if err != nil || len(pubkeyHash) != 20 {
		return fmt.Errorf("payout-pubkey-hash must be 20 hex bytes")
	}
	var h160 [20]byte
	copy(h160[:], pubkeyHash)
	n.payoutScript = util.Hash160Script(h160)

	// Daemon RPC
	n.daemon = bitcoin.NewClient(
		n.config.DaemonRPCURL(),
		n.config.DaemonRPCUser,
		n.config.DaemonRPCPassword,
	)
	height, err := n.daemon.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("daemon RPC connection failed: %w", err)
	}
	n.logger.Info("connected to daemon", zap.Uint32("height", height))

	if err := os.MkdirAll(n.config.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Gossip coordinator and transport
	n.txStore, err = gossip.NewTxStore(filepath.Join(n.config.DataDir, "txs.db"))
	if err != nil {
		return fmt.Errorf("open tx store: %w", err)
	}
	n.coordinator, err = gossip.NewCoordinator(n.logger, n.txStore, "sharenet")
	if err != nil {
		return fmt.Errorf("gossip coordinator: %w", err)
	}
	n.gossipHost, err = gossip.NewHost(ctx, n.config.P2PPort, n.config.DataDir, n.coordinator, n.logger)
	if err != nil {
		return fmt.Errorf("gossip host: %w", err)
	}
	n.shareRelay, err = gossip.NewShareRelay(ctx, n.gossipHost.Host, n.logger)
	if err != nil {
		return fmt.Errorf("share relay: %w", err)
	}
	if err := n.gossipHost.StartDiscovery(ctx, n.config.EnableMDNS, n.config.P2PBootnodes); err != nil {
		return fmt.Errorf("gossip discovery: %w", err)
	}

	// Stratum server
	n.stratumSrv = stratum.NewServer(n.config.StartDifficulty, n.logger)
	if err := n.stratumSrv.Start(fmt.Sprintf("0.0.0.0:%d", n.config.StratumPort)); err != nil {
		return fmt.Errorf("stratum server: %w", err)
	}

	// Template pipeline
	n.watcher = bitcoin.NewWatcher(n.daemon, n.config.TemplateInterval, n.logger)
	n.feed = &templateFeed{
		ch:      make(chan *bitcoin.BlockTemplate, 1),
		refresh: n.watcher.RefreshMiningInfo,
	}
	n.taskServer = work.NewTaskServer(n.feed, n, n.payoutScript, n.logger)

	if n.config.BlockNotify.Enabled {
		listener := work.NewBlockNotifyListener(
			n.config.BlockNotify.Host,
			n.config.BlockNotify.Port,
			n.watcher.RefreshMiningInfo,
			n.logger,
		)
		go func() {
			if err := listener.Run(ctx); err != nil {
				n.logger.Error("block notify listener failed", zap.Error(err))
			}
		}()
	}

	go n.watcher.Run(ctx)
	go n.taskServer.Run(ctx)
	go n.eventLoop(ctx)

	n.logger.Info("sharenet node started",
		zap.Int("stratum_port", n.config.StratumPort),
		zap.Int("p2p_port", n.config.P2PPort),
	)
	return nil
}

// Stop gracefully stops all subsystems.
func (n *Node) Stop() {
	n.logger.Info("shutting down sharenet node...")

	if n.cancel != nil {
		n.cancel()
	}
	if n.stratumSrv != nil {
		n.stratumSrv.Stop()
	}
	if n.coordinator != nil {
		n.coordinator.Close()
	}
	if n.gossipHost != nil {
		n.gossipHost.Close()
	}
	if n.txStore != nil {
		n.txStore.Close()
	}

	n.logger.Info("sharenet node stopped")
}

// Publish implements work.Publisher: tasks are recorded for submission
// lookup, then handed to the stratum server.
func (n *Node) Publish(ctx context.Context, task *work.Task) error {
	n.tasksMu.Lock()
	n.tasks[task.TaskID] = task
	n.taskOrder = append(n.taskOrder, task.TaskID)
	for len(n.taskOrder) > maxTrackedTasks {
		delete(n.tasks, n.taskOrder[0])
		n.taskOrder = n.taskOrder[1:]
	}
	n.tasksMu.Unlock()

	return n.stratumSrv.Publish(ctx, task)
}

// Ready implements work.Publisher.
func (n *Node) Ready() <-chan struct{} {
	return n.stratumSrv.Ready()
}

func (n *Node) lookupTask(taskID string) *work.Task {
	n.tasksMu.Lock()
	defer n.tasksMu.Unlock()
	return n.tasks[taskID]
}

// eventLoop fans templates out to the gossip coordinator and the task
// server, and consumes stratum submissions.
func (n *Node) eventLoop(ctx context.Context) {
	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case tmpl := <-n.watcher.Templates():
			n.handleTemplate(ctx, tmpl)

		case sub := <-n.stratumSrv.SubmitChannel():
			n.handleSubmission(ctx, sub)

		case env := <-n.shareRelay.Incoming():
			n.handleShare(ctx, env)

		case <-statusTicker.C:
			n.logStatus()
		}
	}
}

// handleTemplate updates the gossip tx view and forwards the template
// to the task server, replacing any stale undelivered one.
func (n *Node) handleTemplate(ctx context.Context, tmpl *bitcoin.BlockTemplate) {
	txs := make([]*gossip.TxTemplate, len(tmpl.Transactions))
	for i, tx := range tmpl.Transactions {
		txs[i] = &gossip.TxTemplate{TxID: tx.TxID, Hash: tx.Hash, Data: tx.Data}
	}
	n.coordinator.UpdateGbt(txs)

	for {
		select {
		case n.feed.ch <- tmpl:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-n.feed.ch:
		default:
		}
	}
}

func (n *Node) handleSubmission(ctx context.Context, sub *stratum.ShareSubmission) {
	task := n.lookupTask(sub.TaskID)
	if task == nil {
		metrics.StratumSubmits.WithLabelValues("stale").Inc()
		n.logger.Debug("rejected share: stale or unknown task", zap.String("task_id", sub.TaskID))
		return
	}

	version := task.StratumParams.Version
	if sub.VersionBits != "" {
		version = applyVersionRolling(version, sub.VersionBits)
	}

	header, coinbase, err := work.ReconstructHeader(task, version, sub.Extranonce1, sub.Extranonce2, sub.NTime, sub.Nonce)
	if err != nil {
		metrics.StratumSubmits.WithLabelValues("malformed").Inc()
		n.logger.Warn("failed to reconstruct header from submission", zap.Error(err))
		return
	}

	headerHash := util.DoubleSHA256(header)

	// Check against stratum difficulty. After a vardiff retarget the
	// miner may still be working at the old difficulty, so accept shares
	// meeting either current or previous.
	stratumTarget := stratumDiffToTarget(sub.Difficulty)
	meetsTarget := util.HashMeetsTarget(headerHash, stratumTarget)
	if !meetsTarget && sub.PrevDifficulty > 0 && sub.PrevDifficulty != sub.Difficulty {
		meetsTarget = util.HashMeetsTarget(headerHash, stratumDiffToTarget(sub.PrevDifficulty))
	}
	if !meetsTarget {
		n.shareRejectCount++
		metrics.StratumSubmits.WithLabelValues("rejected").Inc()
		if n.shareRejectCount == 1 || n.shareRejectCount%1000 == 0 {
			n.logger.Info("share below stratum difficulty",
				zap.String("worker", sub.Worker),
				zap.Float64("difficulty", sub.Difficulty),
				zap.String("hash", util.HashToHex(headerHash)),
				zap.Uint64("total_rejected", n.shareRejectCount),
			)
		}
		return
	}
	metrics.StratumSubmits.WithLabelValues("accepted").Inc()
	n.logger.Debug("valid stratum share",
		zap.String("worker", sub.Worker),
		zap.String("hash", util.HashToHex(headerHash)),
	)

	// Check against network difficulty.
	var bitsU uint32
	fmt.Sscanf(task.StratumParams.NBits, "%x", &bitsU)
	if util.HashMeetsTarget(headerHash, util.CompactToTarget(bitsU)) {
		n.logger.Info("BLOCK FOUND",
			zap.String("hash", util.HashToHex(headerHash)),
			zap.String("worker", sub.Worker),
			zap.Uint32("height", task.Height),
		)
		n.submitBlock(ctx, task, header, coinbase)
	}
}

// submitBlock reconstructs the full block and submits it to the daemon,
// retrying transient RPC failures.
func (n *Node) submitBlock(ctx context.Context, task *work.Task, header, coinbase []byte) {
	blockHex, err := work.ReconstructBlock(task, header, coinbase)
	if err != nil {
		n.logger.Error("failed to reconstruct block for submission", zap.Error(err))
		return
	}

	const maxRetries = 3
	delay := 1 * time.Second
	for attempt := 0; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := n.daemon.SubmitBlock(callCtx, blockHex)
		cancel()
		if err == nil {
			n.logger.Info("block submitted successfully")
			return
		}
		if attempt < maxRetries {
			n.logger.Warn("block submission failed, retrying",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Duration("retry_in", delay),
			)
			time.Sleep(delay)
			delay *= 2
		} else {
			n.logger.Error("block submission failed after all retries", zap.Error(err))
		}
	}
}

// handleShare parses and validates a share received from the relay.
// Parse failures are logged and dropped; invalid shares are never
// retained. First-seen valid shares are re-announced; the cache check
// keeps the flood from looping.
func (n *Node) handleShare(ctx context.Context, env *gossip.ShareEnvelope) {
	s, err := share.ParseBytes(env.Payload, env.Version, n.shareParams)
	if err != nil {
		metrics.SharesValidated.WithLabelValues("unparseable").Inc()
		n.logger.Info("Discarding unparseable share", zap.Error(err))
		return
	}
	if _, ok := n.shareCache.Get(s.Hash); ok {
		return
	}
	if !s.Validity {
		metrics.SharesValidated.WithLabelValues("invalid").Inc()
		n.logger.Info("Discarding invalid share", zap.String("hash", s.HashHex))
		return
	}
	if size := n.newTxsSize(s); size > s.MaxNewTxsSize() {
		metrics.SharesValidated.WithLabelValues("oversized").Inc()
		n.logger.Info("Discarding share exceeding new-tx budget",
			zap.String("hash", s.HashHex),
			zap.Int("size", size),
			zap.Int("limit", s.MaxNewTxsSize()),
		)
		return
	}
	metrics.SharesValidated.WithLabelValues("valid").Inc()
	n.shareCache.Add(s)
	n.logger.Debug("Accepted share", zap.String("hash", s.HashHex))

	if n.shareRelay != nil {
		if err := n.shareRelay.Publish(ctx, env.Version, env.Payload); err != nil {
			n.logger.Debug("share re-announce failed", zap.Error(err))
		}
	}
}

// newTxsSize sums the sizes of the transactions a share newly
// introduces, as resolved from the gossip view. Hashes nobody has
// announced resolve to zero.
func (n *Node) newTxsSize(s *share.Share) int {
	if len(s.Info.NewTransactionHashes) == 0 {
		return 0
	}
	known := n.coordinator.KnownTxs()
	total := 0
	for _, h := range s.Info.NewTransactionHashes {
		if tx, ok := known[util.HashToHex(h)]; ok {
			total += tx.Size()
		}
	}
	return total
}

func (n *Node) logStatus() {
	n.logger.Info("status",
		zap.Int("miners", n.stratumSrv.SessionCount()),
		zap.Int("peers", n.coordinator.PeerCount()),
		zap.Int("known_txs", len(n.coordinator.KnownTxs())),
		zap.Int("mining_txs", len(n.coordinator.MiningTxs())),
		zap.Duration("uptime", time.Since(n.startTime).Round(time.Second)),
	)
}

// applyVersionRolling merges the miner's rolled version bits into the
// task version using the BIP 310 mask. Both are big-endian hex strings.
func applyVersionRolling(taskVersion, versionBits string) string {
	var orig, rolled uint32
	fmt.Sscanf(taskVersion, "%x", &orig)
	fmt.Sscanf(versionBits, "%x", &rolled)

	const mask uint32 = 0x1fffe000 // VersionRollingMask
	actual := (orig &^ mask) | (rolled & mask)
	return fmt.Sprintf("%08x", actual)
}

// stratumDiffToTarget converts a stratum difficulty value to a target.
func stratumDiffToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(stratumDiff1Target)
	}
	diff1Float := new(big.Float).SetInt(stratumDiff1Target)
	diffFloat := new(big.Float).SetFloat64(difficulty)
	targetFloat := new(big.Float).Quo(diff1Float, diffFloat)
	target, _ := targetFloat.Int(nil)
	return target
}
