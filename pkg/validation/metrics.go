package validation

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ValidationRunsTotal tracks checker runs by format and derived status
	ValidationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_validation_runs_total",
			Help: "Total number of validation runs by format and status",
		},
		[]string{"format", "status"}, // status: pass, warning, fail, not_validated
	)

	// ValidationDuration tracks how long a checker run takes
	ValidationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iacgen_validation_duration_seconds",
			Help:    "Duration of validation runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"format"},
	)

	// ValidationIssuesTotal tracks reported issues by severity
	ValidationIssuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_validation_issues_total",
			Help: "Total number of validation issues by format and severity",
		},
		[]string{"format", "severity"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		ValidationRunsTotal,
		ValidationDuration,
		ValidationIssuesTotal,
	)
}

// RecordValidationRun records the outcome of one checker run
func RecordValidationRun(format, status string, duration float64) {
	ValidationRunsTotal.WithLabelValues(format, status).Inc()
	ValidationDuration.WithLabelValues(format).Observe(duration)
}

// RecordValidationIssue records one reported issue
func RecordValidationIssue(format, severity string) {
	ValidationIssuesTotal.WithLabelValues(format, severity).Inc()
}
