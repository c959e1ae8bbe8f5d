// Package metrics exposes the Prometheus metrics recorded by the store,
// scheduler, and task handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the scheduler core.
type Metrics struct {
	StoreTxTotal    *prometheus.CounterVec
	StoreTxDuration *prometheus.HistogramVec
	StoreTxRetries  *prometheus.CounterVec
	StoreTxErrors   *prometheus.CounterVec

	UnitsByStatus *prometheus.GaugeVec
	TasksByStatus *prometheus.GaugeVec

	PopUnitsTasksEmitted *prometheus.CounterVec
	PopMergeTasksEmitted *prometheus.CounterVec
	PopMergeBinBytes     prometheus.Histogram

	TaskSizeAdjustments *prometheus.CounterVec
	TaskSizeCurrent     *prometheus.GaugeVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// New creates all metrics under the given namespace; Register registers them.
func New(namespace string) *Metrics {
	m := &Metrics{
		StoreTxTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_transactions_total",
				Help:      "Total number of Store transactions attempted, by operation",
			},
			[]string{"operation"},
		),
		StoreTxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_transaction_duration_seconds",
				Help:      "Store transaction duration in seconds, by operation",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
		StoreTxRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_transaction_retries_total",
				Help:      "Total number of Store transaction retry attempts, by operation",
			},
			[]string{"operation"},
		),
		StoreTxErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_transaction_errors_total",
				Help:      "Total number of Store transactions that failed after all retries",
			},
			[]string{"operation"},
		),
		UnitsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "units_by_status",
				Help:      "Current unit count by workflow and derived status bucket",
			},
			[]string{"workflow", "bucket"},
		),
		TasksByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_by_status",
				Help:      "Current task count by workflow and status",
			},
			[]string{"workflow", "status"},
		),
		PopUnitsTasksEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pop_units_tasks_emitted_total",
				Help:      "Processing tasks emitted by pop_units, by workflow",
			},
			[]string{"workflow"},
		),
		PopMergeTasksEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pop_merge_tasks_emitted_total",
				Help:      "Merge tasks emitted by pop_merge, by workflow",
			},
			[]string{"workflow"},
		),
		PopMergeBinBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pop_merge_bin_bytes",
				Help:      "bytes_bare_output sum of emitted merge bins",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10),
			},
		),
		TaskSizeAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_size_adjustments_total",
				Help:      "Number of times the adaptive sizer changed a workflow's tasksize",
			},
			[]string{"workflow"},
		),
		TaskSizeCurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_size_current",
				Help:      "Current tasksize for a workflow",
			},
			[]string{"workflow"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accessor_cache_hits_total",
				Help:      "Read-through cache hits, by accessor",
			},
			[]string{"accessor"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accessor_cache_misses_total",
				Help:      "Read-through cache misses, by accessor",
			},
			[]string{"accessor"},
		),
	}
	return m
}

// Register registers all metrics with the default Prometheus registerer.
func (m *Metrics) Register() {
	prometheus.MustRegister(
		m.StoreTxTotal,
		m.StoreTxDuration,
		m.StoreTxRetries,
		m.StoreTxErrors,
		m.UnitsByStatus,
		m.TasksByStatus,
		m.PopUnitsTasksEmitted,
		m.PopMergeTasksEmitted,
		m.PopMergeBinBytes,
		m.TaskSizeAdjustments,
		m.TaskSizeCurrent,
		m.CacheHits,
		m.CacheMisses,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
