package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.PayoutPubkeyHash = strings.Repeat("ab", 20)
	return cfg
}

func TestDefaultConfig_Validates(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc host", func(c *Config) { c.DaemonRPCHost = "" }},
		{"bad rpc port", func(c *Config) { c.DaemonRPCPort = 0 }},
		{"bad stratum port", func(c *Config) { c.StratumPort = 70000 }},
		{"bad p2p port", func(c *Config) { c.P2PPort = -1 }},
		{"short payout hash", func(c *Config) { c.PayoutPubkeyHash = "abcd" }},
		{"tiny template interval", func(c *Config) { c.TemplateInterval = 0 }},
		{"negative fee", func(c *Config) { c.FeePercent = -1 }},
		{"fee above 100", func(c *Config) { c.FeePercent = 101 }},
		{"zero share cache", func(c *Config) { c.ShareCacheSize = 0 }},
		{"bad metrics port", func(c *Config) { c.MetricsPort = 70000 }},
		{"bad blocknotify port", func(c *Config) {
			c.BlockNotify.Enabled = true
			c.BlockNotify.Port = 0
		}},
	}
	for _, c := range cases {
		cfg := validConfig()
		c.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed", c.name)
		}
	}
}

func TestDaemonRPCURL(t *testing.T) {
	cfg := validConfig()
	cfg.DaemonRPCHost = "10.0.0.5"
	cfg.DaemonRPCPort = 18443
	if got := cfg.DaemonRPCURL(); got != "http://10.0.0.5:18443" {
		t.Errorf("url = %s", got)
	}
}
