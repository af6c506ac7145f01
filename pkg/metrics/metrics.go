package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reifydb_commits_total",
			Help: "Total number of successful commits",
		},
	)

	CommitsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reifydb_commits_applied_total",
			Help: "Total number of commits applied to storage",
		},
	)

	ConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reifydb_conflicts_total",
			Help: "Total number of commits aborted on write-write conflict",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reifydb_commit_duration_seconds",
			Help:    "Time taken to commit a transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	Watermark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reifydb_watermark_version",
			Help: "Highest commit version guaranteed visible to readers",
		},
	)

	ActiveTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reifydb_active_transactions",
			Help: "Number of in-flight transactions",
		},
	)

	// Storage tier metrics
	TierReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reifydb_tier_reads_total",
			Help: "Total number of tier read operations by tier",
		},
		[]string{"tier"},
	)

	TierEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reifydb_tier_evictions_total",
			Help: "Total number of entries demoted to the next tier",
		},
		[]string{"tier"},
	)

	// CDC metrics
	CdcEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reifydb_cdc_entries_total",
			Help: "Total number of CDC entries written",
		},
	)

	CdcConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reifydb_cdc_consumer_lag_versions",
			Help: "Versions between the watermark and a consumer's checkpoint",
		},
		[]string{"consumer"},
	)

	CdcBatchesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reifydb_cdc_batches_consumed_total",
			Help: "Total number of CDC batches processed by consumer",
		},
		[]string{"consumer"},
	)

	// Flow metrics
	FlowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reifydb_flows_active",
			Help: "Number of registered flow workers",
		},
	)

	OperatorApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reifydb_operator_applies_total",
			Help: "Total number of operator apply calls by operator type",
		},
		[]string{"operator"},
	)

	OperatorApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reifydb_operator_apply_duration_seconds",
			Help:    "Operator apply duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operator"},
	)

	WorkerBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reifydb_worker_batches_total",
			Help: "Total number of worker batches by outcome",
		},
		[]string{"outcome"},
	)

	// Retention metrics
	RetentionCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reifydb_retention_cycles_total",
			Help: "Total number of retention garbage collection cycles",
		},
	)

	RetentionDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reifydb_retention_dropped_total",
			Help: "Total number of versions dropped by retention",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitsApplied)
	prometheus.MustRegister(ConflictsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(Watermark)
	prometheus.MustRegister(ActiveTransactions)
	prometheus.MustRegister(TierReads)
	prometheus.MustRegister(TierEvictions)
	prometheus.MustRegister(CdcEntriesTotal)
	prometheus.MustRegister(CdcConsumerLag)
	prometheus.MustRegister(CdcBatchesConsumed)
	prometheus.MustRegister(FlowsActive)
	prometheus.MustRegister(OperatorApplies)
	prometheus.MustRegister(OperatorApplyDuration)
	prometheus.MustRegister(WorkerBatches)
	prometheus.MustRegister(RetentionCycles)
	prometheus.MustRegister(RetentionDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring durations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
