package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine: commit outcomes and
// latency, deadlock and conflict counters, page accounting, vacuum
// activity, and B+tree restructuring counts.
type Metrics struct {
	CommitsTotal         *prometheus.CounterVec
	CommitDuration       prometheus.Histogram
	CommitConflictsTotal prometheus.Counter
	DeadlocksTotal       prometheus.Counter
	TransactionsActive   prometheus.Gauge

	PagesAllocatedTotal prometheus.Gauge
	PagesReclaimedTotal prometheus.Counter

	BtreeSplitsTotal prometheus.Counter
	BtreeMergesTotal prometheus.Counter

	VacuumPassesTotal  prometheus.Counter
	VacuumScannedTotal prometheus.Counter

	ServerUptimeSeconds prometheus.Gauge
	startTime           time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xkv_commits_total",
			Help: "Total number of commit attempts by outcome",
		},
		[]string{"status"},
	)

	m.CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xkv_commit_duration_seconds",
			Help:    "Duration of commit processing in the single committer goroutine",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.CommitConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xkv_commit_conflicts_total",
			Help: "Total number of commits rejected due to an optimistic version conflict",
		},
	)

	m.DeadlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xkv_deadlocks_total",
			Help: "Total number of deadlocks detected by the page lock manager",
		},
	)

	m.TransactionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xkv_transactions_active",
			Help: "Number of currently open transactions",
		},
	)

	m.PagesAllocatedTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xkv_pages_allocated_total",
			Help: "Total number of pages ever allocated from the backing block",
		},
	)

	m.PagesReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xkv_pages_reclaimed_total",
			Help: "Total number of pages returned to the freemap by vacuum",
		},
	)

	m.BtreeSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xkv_btree_splits_total",
			Help: "Total number of leaf and interior node splits",
		},
	)

	m.BtreeMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xkv_btree_merges_total",
			Help: "Total number of leaf and interior node merges",
		},
	)

	m.VacuumPassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xkv_vacuum_passes_total",
			Help: "Total number of vacuum scheduler passes run",
		},
	)

	m.VacuumScannedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xkv_vacuum_pages_scanned_total",
			Help: "Total number of pages scanned across all vacuum passes",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xkv_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	go m.updateUptime()
	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordCommit records a commit outcome and its latency.
func (m *Metrics) RecordCommit(status string, duration time.Duration) {
	m.CommitsTotal.WithLabelValues(status).Inc()
	m.CommitDuration.Observe(duration.Seconds())
	switch status {
	case "conflict":
		m.CommitConflictsTotal.Inc()
	case "deadlock":
		m.DeadlocksTotal.Inc()
	}
}

// RecordVacuumPass records the outcome of one vacuum scheduler pass.
func (m *Metrics) RecordVacuumPass(scanned, reclaimed int) {
	m.VacuumPassesTotal.Inc()
	m.VacuumScannedTotal.Add(float64(scanned))
	m.PagesReclaimedTotal.Add(float64(reclaimed))
}
