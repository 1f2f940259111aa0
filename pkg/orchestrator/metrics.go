package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// UnitsTotal tracks finished units by outcome
	UnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_units_total",
			Help: "Total number of finished generation units by status",
		},
		[]string{"status"}, // pass, warning, fail, errored
	)

	// UnitsInFlight tracks units currently executing
	UnitsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iacgen_units_in_flight",
			Help: "Number of generation units currently executing",
		},
	)

	// ExecutorRetriesTotal tracks throttle-induced retries
	ExecutorRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iacgen_executor_retries_total",
			Help: "Total number of retries after a throttled generation attempt",
		},
	)

	// ExecutorOutcomesTotal tracks terminal executor states
	ExecutorOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_executor_outcomes_total",
			Help: "Total number of executor runs by final state",
		},
		[]string{"state", "reason"}, // reason: none, fatal, exhausted, cancelled
	)

	// RequestsDeduplicatedTotal tracks requests merged into an earlier one
	RequestsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iacgen_requests_deduplicated_total",
			Help: "Total number of generation requests merged into an earlier request with the same key",
		},
	)

	// RequestsReceivedTotal tracks requests handed to the deduplicator
	RequestsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iacgen_requests_received_total",
			Help: "Total number of generation requests received before deduplication",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		UnitsTotal,
		UnitsInFlight,
		ExecutorRetriesTotal,
		ExecutorOutcomesTotal,
		RequestsDeduplicatedTotal,
		RequestsReceivedTotal,
	)
}

// RecordUnit records a finished unit
func RecordUnit(status string) {
	UnitsTotal.WithLabelValues(status).Inc()
}

// RecordRetry records a retry after throttling
func RecordRetry() {
	ExecutorRetriesTotal.Inc()
}

// RecordExecutorOutcome records the final executor state
func RecordExecutorOutcome(state State, reason string) {
	ExecutorOutcomesTotal.WithLabelValues(string(state), reason).Inc()
}

// RecordDeduplication records deduplicator input and merge counts
func RecordDeduplication(received, merged int) {
	RequestsReceivedTotal.Add(float64(received))
	RequestsDeduplicatedTotal.Add(float64(merged))
}
