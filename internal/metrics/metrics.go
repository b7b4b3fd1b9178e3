// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GossipPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharenet_gossip_peers",
		Help: "Number of connected gossip peers",
	})

	KnownTxs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharenet_known_txs",
		Help: "Number of transactions in the known-tx set",
	})

	MiningTxs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharenet_mining_txs",
		Help: "Number of transactions in the current mining set",
	})

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharenet_protocol_violations_total",
		Help: "Peers disconnected for gossip protocol violations",
	})

	SharesValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharenet_shares_validated_total",
		Help: "Shares run through the validation pipeline",
	}, []string{"result"})

	TasksPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharenet_tasks_published_total",
		Help: "Mining tasks handed to the publisher",
	})

	TemplateRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharenet_template_refreshes_total",
		Help: "Block template refreshes requested from the daemon",
	})

	StratumSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharenet_stratum_sessions",
		Help: "Number of connected stratum sessions",
	})

	StratumSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharenet_stratum_submits_total",
		Help: "Stratum share submissions by outcome",
	}, []string{"result"})
)
