// Package metrics centralises the Prometheus collectors every component
// records through. A single Metrics value is constructed once at startup
// (cmd/indexer) and handed to the Supervisor and the other components by
// reference, the way op-node passes a metrics
// interface into its sub-systems instead of reaching for package-level
// globals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "indexer"

// Metrics holds every counter/gauge/histogram the indexer records. Nil
// method receivers are not supported; always construct via New.
type Metrics struct {
	registry *prometheus.Registry

	RPCCallsTotal    *prometheus.CounterVec
	RPCErrorsTotal   *prometheus.CounterVec
	RPCLatency       *prometheus.HistogramVec
	DBWritesTotal    prometheus.Counter
	DBLatency        prometheus.Histogram
	ReorgsTotal      prometheus.Counter
	BlocksIndexed    prometheus.Counter
	TransfersIndexed prometheus.Counter
	SyncLag          prometheus.Gauge
	LocalHeight      prometheus.Gauge
	ChainHeight      prometheus.Gauge
	Uptime           prometheus.Gauge
	BatchFailures    prometheus.Counter
}

// New constructs a fresh, independent registry and collector set. Tests
// should call New per-test to avoid collector re-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RPCCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_calls_total", Help: "Chain RPC calls made, by method.",
		}, []string{"method"}),
		RPCErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_errors_total", Help: "Chain RPC calls that failed, by method and class.",
		}, []string{"method", "class"}),
		RPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_latency_seconds", Help: "Chain RPC call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		DBWritesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "db_writes_total", Help: "Committed store batches.",
		}),
		DBLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "db_latency_seconds", Help: "Store batch commit latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ReorgsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reorgs_total", Help: "Chain reorganizations detected and handled.",
		}),
		BlocksIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_indexed_total", Help: "Blocks committed to the store.",
		}),
		TransfersIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfers_indexed_total", Help: "Transfer logs committed to the store.",
		}),
		SyncLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sync_lag_blocks", Help: "Chain head minus locally synced height.",
		}),
		LocalHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "local_height", Help: "Highest block number committed locally.",
		}),
		ChainHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chain_height", Help: "Most recently observed chain head.",
		}),
		Uptime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds", Help: "Seconds since process start.",
		}),
		BatchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_failures_total", Help: "Sync batches that failed and were retried or aborted.",
		}),
	}
}

// Registry exposes the underlying Prometheus registry for the /metrics
// HTTP handler; nothing else should need direct registry access.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
