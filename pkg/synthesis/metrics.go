package synthesis

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// GenerationRequestsTotal tracks unit generations by format and outcome
	GenerationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_generation_requests_total",
			Help: "Total number of module generations by format and status",
		},
		[]string{"format", "status"}, // status: pass, warning, fail, throttled, error, parse_error
	)

	// GenerationDuration tracks generation duration including the repair loop
	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iacgen_generation_duration_seconds",
			Help:    "Duration of module generation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~7m
		},
		[]string{"format", "status"},
	)

	// GenerationTokensUsed tracks estimated token usage
	GenerationTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_tokens_used_total",
			Help: "Total number of estimated tokens by format and type",
		},
		[]string{"format", "type"}, // type: input or output
	)

	// GenerationCostUSD tracks estimated cost
	GenerationCostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_cost_usd_total",
			Help: "Total estimated generation cost in USD by format",
		},
		[]string{"format"},
	)

	// ParseFailuresTotal tracks replies that could not be reduced to files
	ParseFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_parse_failures_total",
			Help: "Total number of unparseable generation replies by format",
		},
		[]string{"format"},
	)

	// ThrottledCallsTotal tracks service calls rejected by throttling
	ThrottledCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_throttled_calls_total",
			Help: "Total number of generative service calls that were throttled",
		},
		[]string{"format"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		GenerationRequestsTotal,
		GenerationDuration,
		GenerationTokensUsed,
		GenerationCostUSD,
		ParseFailuresTotal,
		ThrottledCallsTotal,
	)
}

// RecordGeneration records a finished generation attempt
func RecordGeneration(format, status string, duration float64) {
	GenerationRequestsTotal.WithLabelValues(format, status).Inc()
	GenerationDuration.WithLabelValues(format, status).Observe(duration)
}

// RecordTokens records token usage metrics
func RecordTokens(format string, inputTokens, outputTokens int64) {
	GenerationTokensUsed.WithLabelValues(format, "input").Add(float64(inputTokens))
	GenerationTokensUsed.WithLabelValues(format, "output").Add(float64(outputTokens))
}

// RecordCost records generation cost
func RecordCost(format string, cost float64) {
	GenerationCostUSD.WithLabelValues(format).Add(cost)
}

// RecordParseFailure records an unparseable reply
func RecordParseFailure(format string) {
	ParseFailuresTotal.WithLabelValues(format).Inc()
}

// RecordThrottled records a throttled service call
func RecordThrottled(format string) {
	ThrottledCallsTotal.WithLabelValues(format).Inc()
}
