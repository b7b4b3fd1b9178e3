package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sharenet-dev/sharenet/internal/config"
	"github.com/sharenet-dev/sharenet/internal/node"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()

	var bootnodes string
	var templateInterval time.Duration

	flag.StringVar(&cfg.PayoutPubkeyHash, "payout-pubkey-hash", "", "hash160 of the payout public key (required, 40 hex chars)")
	flag.StringVar(&bootnodes, "bootnodes", "", "comma-separated list of bootnode multiaddrs for WAN discovery")
	flag.StringVar(&cfg.DaemonRPCHost, "rpc-host", cfg.DaemonRPCHost, "daemon RPC host")
	flag.IntVar(&cfg.DaemonRPCPort, "rpc-port", cfg.DaemonRPCPort, "daemon RPC port")
	flag.StringVar(&cfg.DaemonRPCUser, "rpc-user", cfg.DaemonRPCUser, "daemon RPC username")
	flag.StringVar(&cfg.DaemonRPCPassword, "rpc-password", cfg.DaemonRPCPassword, "daemon RPC password")
	flag.DurationVar(&templateInterval, "template-interval", cfg.TemplateInterval, "block template polling interval")
	flag.BoolVar(&cfg.BlockNotify.Enabled, "blocknotify", cfg.BlockNotify.Enabled, "listen for daemon blocknotify connections")
	flag.IntVar(&cfg.BlockNotify.Port, "blocknotify-port", cfg.BlockNotify.Port, "blocknotify listen port")
	flag.IntVar(&cfg.StratumPort, "stratum-port", cfg.StratumPort, "stratum server listen port")
	flag.Float64Var(&cfg.StartDifficulty, "start-difficulty", cfg.StartDifficulty, "initial stratum difficulty for new miners (vardiff adjusts from here)")
	flag.Float64Var(&cfg.FeePercent, "fee-percent", cfg.FeePercent, "node operator fee percentage")
	flag.IntVar(&cfg.P2PPort, "p2p-port", cfg.P2PPort, "p2p network listen port")
	flag.BoolVar(&cfg.EnableMDNS, "mdns", cfg.EnableMDNS, "enable mDNS peer discovery on LAN")
	flag.Uint64Var(&cfg.ShareVersion, "share-version", cfg.ShareVersion, "share wire version to produce (16 or 17)")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "prometheus metrics listen port (0 disables)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for persistent data")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sharenetd - decentralized mining pool node\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  sharenetd -payout-pubkey-hash <hash160 hex> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  SHARENET_RPC_HOST      Override -rpc-host\n")
		fmt.Fprintf(os.Stderr, "  SHARENET_RPC_USER      Override -rpc-user\n")
		fmt.Fprintf(os.Stderr, "  SHARENET_RPC_PASSWORD  Override -rpc-password\n")
		fmt.Fprintf(os.Stderr, "  SHARENET_DATA_DIR      Override -data-dir\n")
		fmt.Fprintf(os.Stderr, "  SHARENET_BOOTNODES     Override -bootnodes\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL              Override -log-level\n")
	}

	flag.Parse()
	cfg.TemplateInterval = templateInterval

	// Environment variables override flags (for containerized deployments)
	if v := os.Getenv("SHARENET_RPC_HOST"); v != "" {
		cfg.DaemonRPCHost = v
	}
	if v := os.Getenv("SHARENET_RPC_USER"); v != "" {
		cfg.DaemonRPCUser = v
	}
	if v := os.Getenv("SHARENET_RPC_PASSWORD"); v != "" {
		cfg.DaemonRPCPassword = v
	}
	if v := os.Getenv("SHARENET_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Parse bootnodes
	if bootnodes != "" {
		for _, bn := range strings.Split(bootnodes, ",") {
			bn = strings.TrimSpace(bn)
			if bn != "" {
				cfg.P2PBootnodes = append(cfg.P2PBootnodes, bn)
			}
		}
	}
	if v := os.Getenv("SHARENET_BOOTNODES"); v != "" {
		cfg.P2PBootnodes = nil // env var replaces flag entirely
		for _, bn := range strings.Split(v, ",") {
			bn = strings.TrimSpace(bn)
			if bn != "" {
				cfg.P2PBootnodes = append(cfg.P2PBootnodes, bn)
			}
		}
	}

	if cfg.PayoutPubkeyHash == "" {
		fmt.Fprintf(os.Stderr, "Error: -payout-pubkey-hash is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting sharenetd",
		zap.String("payout_pubkey_hash", cfg.PayoutPubkeyHash),
		zap.String("daemon_rpc", cfg.DaemonRPCURL()),
		zap.Uint64("share_version", cfg.ShareVersion),
	)

	if cfg.MetricsPort > 0 {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	n := node.NewNode(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	n.Stop()
	return nil
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("metrics listener started", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics listener stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
