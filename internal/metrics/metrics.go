// Package metrics registers the prometheus collectors the engine exposes:
// assessment lifecycle counters, council stage latencies, and retrieval
// gate failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssessmentsStarted counts created assessments.
	AssessmentsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riacouncil",
		Name:      "assessments_started_total",
		Help:      "Assessments created.",
	})

	// AssessmentsCompleted counts assessments reaching Completed.
	AssessmentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riacouncil",
		Name:      "assessments_completed_total",
		Help:      "Assessments completed successfully.",
	})

	// AssessmentsFailed counts assessments reaching Failed.
	AssessmentsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riacouncil",
		Name:      "assessments_failed_total",
		Help:      "Assessments that transitioned to Failed.",
	})

	// RetrievalGateFailures counts quality-gate failures after expansion.
	RetrievalGateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riacouncil",
		Name:      "retrieval_gate_failures_total",
		Help:      "Retrieval quality-gate failures routed to human review.",
	})

	// stageDuration tracks council stage wall time by stage label.
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riacouncil",
		Name:      "council_stage_duration_seconds",
		Help:      "Council stage latency.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"stage"})
)

// StageTimer starts a latency observation for a council stage.
func StageTimer(stage string) *prometheus.Timer {
	return prometheus.NewTimer(stageDuration.WithLabelValues(stage))
}
