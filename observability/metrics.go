// Package observability provides the Prometheus metrics of the admission
// controller and the abuse monitor.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for DecisionsTotal.
const (
	OutcomeAllowed    = "allowed"
	OutcomeDenied     = "denied"
	OutcomeUnmetered  = "unmetered"
	OutcomeFailedOpen = "failed_open"
)

var (
	// DecisionsTotal counts admission decisions by endpoint and outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions",
		},
		[]string{"endpoint", "outcome"},
	)

	// StoreErrorsTotal counts quota store failures that forced a fail-open.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_store_errors_total",
			Help: "Quota store errors",
		},
		[]string{"reason"},
	)

	// ConflictRetriesTotal counts conditional-write conflicts that caused a retry.
	ConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_conflict_retries_total",
			Help: "Conditional write conflicts retried",
		},
	)

	// CheckDuration records admission check latency in seconds.
	CheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_check_duration_seconds",
			Help:    "Admission check duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"outcome"},
	)

	// MonitorPassesTotal counts abuse monitor passes by result (ok, failed, skipped).
	MonitorPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_monitor_passes_total",
			Help: "Abuse monitor passes",
		},
		[]string{"result"},
	)

	// MonitorPassDuration records abuse monitor pass duration in seconds.
	MonitorPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_monitor_pass_duration_seconds",
			Help:    "Abuse monitor pass duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SinkFailuresTotal counts metric and alert deliveries that failed.
	SinkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_sink_failures_total",
			Help: "Sink delivery failures",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		StoreErrorsTotal,
		ConflictRetriesTotal,
		CheckDuration,
		MonitorPassesTotal,
		MonitorPassDuration,
		SinkFailuresTotal,
	)
}
