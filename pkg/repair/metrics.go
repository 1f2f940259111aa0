package repair

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// RepairLoopsTotal tracks finished validate/fix loops by termination
	RepairLoopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_repair_loops_total",
			Help: "Total number of validate/fix loops by termination reason",
		},
		[]string{"termination"}, // success, max_iterations, stalled, repair_failed
	)

	// RepairIterations tracks how many repair requests a loop needed
	RepairIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iacgen_repair_iterations",
			Help:    "Number of repair iterations per loop by termination reason",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
		[]string{"termination"},
	)

	// FixesAppliedTotal tracks applied fixes by location strategy
	FixesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_fixes_applied_total",
			Help: "Total number of applied fixes by strategy",
		},
		[]string{"strategy"}, // line, substring, normalized
	)

	// FixesSkippedTotal tracks fixes that were not applied
	FixesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iacgen_fixes_skipped_total",
			Help: "Total number of skipped fixes by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		RepairLoopsTotal,
		RepairIterations,
		FixesAppliedTotal,
		FixesSkippedTotal,
	)
}

// RecordRepairLoop records a finished loop
func RecordRepairLoop(termination string, iterations int) {
	RepairLoopsTotal.WithLabelValues(termination).Inc()
	RepairIterations.WithLabelValues(termination).Observe(float64(iterations))
}

// RecordFixApplied records an applied fix
func RecordFixApplied(strategy string) {
	FixesAppliedTotal.WithLabelValues(strategy).Inc()
}

// RecordFixSkipped records a skipped fix
func RecordFixSkipped(reason string) {
	FixesSkippedTotal.WithLabelValues(reason).Inc()
}
