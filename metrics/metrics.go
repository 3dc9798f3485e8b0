package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PublishedTotal counts published operations by kind (batch, single)
	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbqueue_published_total",
			Help: "Total number of operations published",
		},
		[]string{"kind"},
	)

	// FlushesTotal counts batch entries that became ready, by reason
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbqueue_flushes_total",
			Help: "Total number of batch entries moved to the pending list",
		},
		[]string{"reason"},
	)

	// BatchSize tracks the number of parameter sets per submitted batch
	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqdbqueue_batch_size",
			Help:    "Number of operations per executed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"key"},
	)

	// ExecutionLatency tracks backend execution time by entry kind
	ExecutionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqdbqueue_execution_seconds",
			Help:    "Entry execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// FailuresTotal counts execution failures by error kind
	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbqueue_failures_total",
			Help: "Total number of execution failures reported to the failure handler",
		},
		[]string{"kind"},
	)

	// PendingEntries is the current length of the pending list
	PendingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqdbqueue_pending_entries",
			Help: "Number of ready entries waiting for execution",
		},
	)

	// OpenBatches is the number of batch entries still aggregating
	OpenBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqdbqueue_open_batches",
			Help: "Number of non-empty batch entries still aggregating",
		},
	)

	// BackendHealthy is 1 when a pool member passed its last health check
	BackendHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tqdbqueue_backend_healthy",
			Help: "Whether a backend is healthy (1) or not (0)",
		},
		[]string{"backend"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(PublishedTotal)
		prometheus.MustRegister(FlushesTotal)
		prometheus.MustRegister(BatchSize)
		prometheus.MustRegister(ExecutionLatency)
		prometheus.MustRegister(FailuresTotal)
		prometheus.MustRegister(PendingEntries)
		prometheus.MustRegister(OpenBatches)
		prometheus.MustRegister(BackendHealthy)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
