package jobs

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	passOutcomeIdle          = "idle"
	passOutcomeSuccess       = "success"
	passOutcomeFailure       = "failure"
	passOutcomeCancelled     = "cancelled"
	passOutcomeLockContended = "lock_contended"
	passOutcomeLockError     = "lock_error"
	passOutcomeDequeueError  = "dequeue_error"
	passOutcomeFault         = "fault"
	passOutcomeResolveError  = "resolution_error"
)

var (
	jobPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuejob_job_passes_total",
			Help: "Total number of queue job passes by outcome",
		},
		[]string{"job", "outcome"},
	)

	jobPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queuejob_job_pass_duration_seconds",
			Help:    "Duration of queue job passes including the dequeue wait",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	jobEntriesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuejob_job_entries_processing",
			Help: "Current number of entries held by a processor",
		},
		[]string{"job"},
	)

	jobResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuejob_job_resolutions_total",
			Help: "Total number of entry completions and abandons issued by queue jobs",
		},
		[]string{"job", "action", "status"},
	)

	runnerIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuejob_runner_iterations_total",
			Help: "Total number of runner iterations by result kind",
		},
		[]string{"runner", "status"},
	)
)

func recordPass(job, outcome string, elapsed time.Duration) {
	name := normalizeMetricLabel(job, "unknown")
	jobPassesTotal.WithLabelValues(name, normalizeMetricLabel(outcome, "unknown")).Inc()
	jobPassDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func recordResolution(job, action string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	jobResolutionsTotal.WithLabelValues(normalizeMetricLabel(job, "unknown"), action, status).Inc()
}

func trackProcessing(job string, delta float64) {
	jobEntriesInFlight.WithLabelValues(normalizeMetricLabel(job, "unknown")).Add(delta)
}

func recordRunnerIteration(runner, status string) {
	runnerIterationsTotal.WithLabelValues(
		normalizeMetricLabel(runner, "unknown"),
		normalizeMetricLabel(status, "unknown"),
	).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
