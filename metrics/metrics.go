// Package metrics exposes node counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollup"

// Metrics owns a registry per node, so tests and several nodes in one process
// do not collide.
type Metrics struct {
	registry *prometheus.Registry

	SyncHeight      prometheus.Gauge
	BlocksProcessed prometheus.Counter
	SyncRetries     prometheus.Counter
	BatchesApplied  prometheus.Counter
	MalformedFrames prometheus.Counter
	TxApplied       prometheus.Counter
	TxSkipped       *prometheus.CounterVec

	PoolSize         prometheus.Gauge
	PoolRejected     *prometheus.CounterVec
	AnchorsSubmitted prometheus.Counter
	AnchorFailures   prometheus.Counter
	AnchorsDropped   prometheus.Counter
	AnchorsConfirmed prometheus.Counter
	AnchoredTxs      prometheus.Counter
	AddressIndex     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "height",
			Help: "Next base-chain height to process.",
		}),
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "blocks_total",
			Help: "Base-chain blocks processed.",
		}),
		SyncRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "retries_total",
			Help: "Failed attempts to process a height.",
		}),
		BatchesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "batches_total",
			Help: "Anchored batches applied.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "malformed_frames_total",
			Help: "Anchored frames that failed to decode.",
		}),
		TxApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "state", Name: "tx_applied_total",
			Help: "Transactions applied to the ledger.",
		}),
		TxSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "state", Name: "tx_skipped_total",
			Help: "Transactions skipped, by reason.",
		}, []string{"reason"}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "size",
			Help: "Pending transactions.",
		}),
		PoolRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "rejected_total",
			Help: "Transactions refused by the pool, by reason.",
		}, []string{"reason"}),
		AnchorsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sequencer", Name: "anchors_total",
			Help: "Batches broadcast to the base chain.",
		}),
		AnchorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sequencer", Name: "anchor_failures_total",
			Help: "Failed anchoring attempts.",
		}),
		AnchorsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sequencer", Name: "anchors_dropped_total",
			Help: "Batches the base chain refused for good, with their transactions.",
		}),
		AnchorsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sequencer", Name: "anchors_confirmed_total",
			Help: "Broadcast batches seen again by the syncer.",
		}),
		AnchoredTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sequencer", Name: "anchored_tx_total",
			Help: "Transactions included in broadcast batches.",
		}),
		AddressIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "current_index",
			Help: "Next address index to assign.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SyncHeight, m.BlocksProcessed, m.SyncRetries, m.BatchesApplied, m.MalformedFrames,
		m.TxApplied, m.TxSkipped, m.PoolSize, m.PoolRejected,
		m.AnchorsSubmitted, m.AnchorFailures, m.AnchorsDropped, m.AnchorsConfirmed, m.AnchoredTxs,
		m.AddressIndex,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
