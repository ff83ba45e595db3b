package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirstore_commits_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"}, // finished, aborted
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirstore_commit_duration_seconds",
			Help:    "Time taken by the journal finish step of a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	ObjectsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirstore_objects_stored_total",
			Help: "Total number of files staged by finished transactions",
		},
	)

	// Journal / flush metrics
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirstore_flush_duration_seconds",
			Help:    "Time taken to flush one batch of staged transactions into the database directory",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushBatchFiles = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirstore_flush_batch_files",
			Help:    "Number of files moved per flush batch",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 2000},
		},
	)

	RelocationsSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirstore_relocations_size",
			Help: "Current number of entries in the relocations map",
		},
	)

	BacklogTokensAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirstore_backlog_tokens_available",
			Help: "Number of free flush-backlog semaphore tokens",
		},
	)

	FlusherBroken = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirstore_flusher_broken",
			Help: "1 if the background flusher has halted after an unrecoverable error",
		},
	)

	// Pack metrics
	PackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirstore_pack_duration_seconds",
			Help:    "Time taken for a full pack run",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
		},
	)

	PackSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirstore_pack_swept_total",
			Help: "Total number of files removed or renamed for delayed deletion by pack",
		},
	)

	PackMarkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dirstore_pack_marked_total",
			Help: "Total number of records marked reachable, summed over all pack runs",
		},
	)

	// Snapshot metrics
	SnapshotActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirstore_snapshot_active",
			Help: "1 while the store is in snapshot mode",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(ObjectsStoredTotal)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushBatchFiles)
	prometheus.MustRegister(RelocationsSize)
	prometheus.MustRegister(BacklogTokensAvailable)
	prometheus.MustRegister(FlusherBroken)
	prometheus.MustRegister(PackDuration)
	prometheus.MustRegister(PackSweptTotal)
	prometheus.MustRegister(PackMarkedTotal)
	prometheus.MustRegister(SnapshotActive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
