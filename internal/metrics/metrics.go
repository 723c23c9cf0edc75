package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Metering engine metrics
var (
	// SessionsStarted counts sessions started by mode
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_sessions_started_total",
			Help: "Total number of metered sessions started by mode",
		},
		[]string{"mode"},
	)

	// SessionsActive tracks non-terminal sessions by status
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meter_sessions_active",
			Help: "Number of non-terminal sessions by status",
		},
		[]string{"status"},
	)

	// SessionTransitions counts lifecycle transitions by operation and outcome
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_session_transitions_total",
			Help: "Total number of session transitions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// SessionsExpired counts sessions force-terminated by the sweeper
	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_sessions_expired_total",
			Help: "Total number of countdown sessions transitioned to expired",
		},
	)

	// SweepsRun counts sweeper passes
	SweepsRun = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_sweeps_total",
			Help: "Total number of expiration sweep passes",
		},
	)

	// SweepDuration tracks how long a sweep pass takes
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meter_sweep_duration_seconds",
			Help:    "Duration of expiration sweep passes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// VersionConflicts counts optimistic concurrency retries
	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_version_conflicts_total",
			Help: "Total number of optimistic version conflicts on session writes",
		},
	)

	// RevenueRecorded sums finalized revenue published to the ledger
	RevenueRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_revenue_recorded_total",
			Help: "Total finalized revenue published to the ledger by currency",
		},
		[]string{"currency"},
	)

	// LedgerExports counts reconciler exports by outcome
	LedgerExports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_ledger_exports_total",
			Help: "Total number of ledger export attempts by outcome",
		},
		[]string{"outcome"},
	)

	// TariffCacheLookups counts tariff cache hits and misses
	TariffCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_tariff_cache_lookups_total",
			Help: "Tariff lookups by cache result (hit, miss)",
		},
		[]string{"result"},
	)
)

// Helper functions for common metric operations

// RecordSessionStarted increments the started counter and the running gauge
func RecordSessionStarted(mode string) {
	SessionsStarted.WithLabelValues(mode).Inc()
	SessionsActive.WithLabelValues("running").Inc()
}

// RecordTransition counts a transition attempt outcome ("ok", "invalid",
// "conflict", "error", "noop")
func RecordTransition(operation, outcome string) {
	SessionTransitions.WithLabelValues(operation, outcome).Inc()
}

// UpdateSessionStatus moves a session between gauge buckets. Terminal
// statuses only decrement the old bucket.
func UpdateSessionStatus(oldStatus, newStatus string) {
	if oldStatus == "running" || oldStatus == "paused" {
		SessionsActive.WithLabelValues(oldStatus).Dec()
	}
	if newStatus == "running" || newStatus == "paused" {
		SessionsActive.WithLabelValues(newStatus).Inc()
	}
}

// RecordSessionExpired increments the expiration counter
func RecordSessionExpired() {
	SessionsExpired.Inc()
}

// RecordSweep records one sweeper pass
func RecordSweep(duration time.Duration) {
	SweepsRun.Inc()
	SweepDuration.Observe(duration.Seconds())
}

// RecordVersionConflict increments the optimistic conflict counter
func RecordVersionConflict() {
	VersionConflicts.Inc()
}

// RecordRevenue adds a finalized amount to the revenue counter
func RecordRevenue(currency string, amount float64) {
	RevenueRecorded.WithLabelValues(currency).Add(amount)
}

// RecordLedgerExport counts a reconciler export attempt ("ok",
// "duplicate", "error")
func RecordLedgerExport(outcome string) {
	LedgerExports.WithLabelValues(outcome).Inc()
}

// RecordTariffCacheLookup counts a tariff cache lookup result
func RecordTariffCacheLookup(result string) {
	TariffCacheLookups.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// StatusCount holds the count of sessions for a status
type StatusCount struct {
	Status string
	Count  int
}

// InitializeSessionMetrics populates the active-session gauges from
// database state on startup so they reflect reality before any
// transitions occur.
func InitializeSessionMetrics(counts []StatusCount) {
	for _, c := range counts {
		if c.Status == "running" || c.Status == "paused" {
			SessionsActive.WithLabelValues(c.Status).Set(float64(c.Count))
		}
	}
}
