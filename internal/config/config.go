// Package config holds the process configuration.
package config

import (
	"fmt"
	"time"
)

// BlockNotifyConfig configures the TCP listener fed by the daemon's
// blocknotify hook.
type BlockNotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Config holds all configuration for a sharenet node.
type Config struct {
	// Daemon RPC
	DaemonRPCHost     string `mapstructure:"daemon-rpc-host"`
	DaemonRPCPort     int    `mapstructure:"daemon-rpc-port"`
	DaemonRPCUser     string `mapstructure:"daemon-rpc-user"`
	DaemonRPCPassword string `mapstructure:"daemon-rpc-password"`

	// Template polling
	TemplateInterval time.Duration `mapstructure:"template-interval"`

	// Block notify listener
	BlockNotify BlockNotifyConfig `mapstructure:"block-notify"`

	// Payout
	PayoutPubkeyHash string  `mapstructure:"payout-pubkey-hash"`
	FeePercent       float64 `mapstructure:"fee-percent"`

	// Stratum server
	StratumPort     int     `mapstructure:"stratum-port"`
	StartDifficulty float64 `mapstructure:"start-difficulty"`

	// P2P
	P2PPort      int      `mapstructure:"p2p-port"`
	P2PBootnodes []string `mapstructure:"p2p-bootnodes"`
	EnableMDNS   bool     `mapstructure:"enable-mdns"`

	// Share chain
	ShareVersion   uint64 `mapstructure:"share-version"`
	ShareCacheSize int    `mapstructure:"share-cache-size"`

	// Metrics exposition. Zero disables the listener.
	MetricsPort int `mapstructure:"metrics-port"`

	// Storage
	DataDir string `mapstructure:"data-dir"`

	// Logging
	LogLevel string `mapstructure:"log-level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DaemonRPCHost:     "127.0.0.1",
		DaemonRPCPort:     8332,
		DaemonRPCUser:     "user",
		DaemonRPCPassword: "pass",

		TemplateInterval: 15 * time.Second,

		BlockNotify: BlockNotifyConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8335,
		},

		FeePercent: 0.5,

		StratumPort:     3333,
		StartDifficulty: 100000,

		P2PPort:    9171,
		EnableMDNS: true,

		ShareVersion:   17,
		ShareCacheSize: 4096,

		MetricsPort: 9090,

		DataDir: ".sharenet",

		LogLevel: "info",
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.DaemonRPCHost == "" {
		return fmt.Errorf("daemon-rpc-host is required")
	}
	if c.DaemonRPCPort <= 0 || c.DaemonRPCPort > 65535 {
		return fmt.Errorf("daemon-rpc-port must be 1-65535")
	}
	if c.StratumPort <= 0 || c.StratumPort > 65535 {
		return fmt.Errorf("stratum-port must be 1-65535")
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p-port must be 1-65535")
	}
	if c.BlockNotify.Enabled && (c.BlockNotify.Port <= 0 || c.BlockNotify.Port > 65535) {
		return fmt.Errorf("block-notify port must be 1-65535")
	}
	if len(c.PayoutPubkeyHash) != 40 {
		return fmt.Errorf("payout-pubkey-hash must be 40 hex characters")
	}
	if c.TemplateInterval < time.Second {
		return fmt.Errorf("template-interval must be at least 1s")
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("fee-percent must be 0-100")
	}
	if c.ShareCacheSize < 1 {
		return fmt.Errorf("share-cache-size must be at least 1")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics-port must be 0-65535")
	}
	return nil
}

// DaemonRPCURL returns the full RPC URL.
func (c *Config) DaemonRPCURL() string {
	return fmt.Sprintf("http://%s:%d", c.DaemonRPCHost, c.DaemonRPCPort)
}
