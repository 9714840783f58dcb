// Package metrics exposes the run engine's Prometheus instrumentation:
// run lifecycle counters, attempt duration, and persistence error rates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_runs_triggered_total",
			Help: "Total runs created via Trigger, by task identifier.",
		},
		[]string{"task_identifier"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_runs_completed_total",
			Help: "Total runs reaching a terminal status, by status.",
		},
		[]string{"status"},
	)

	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runengine_attempt_duration_seconds",
			Help:    "Wall-clock duration of a single attempt, from start to completion.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"task_identifier"},
	)

	stallChecksFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_stall_checks_fired_total",
			Help: "Total stall-check jobs that fired against a still-latest snapshot.",
		},
		[]string{"execution_status"},
	)

	dequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_dequeues_total",
			Help: "Total successful dequeues from the master queue.",
		},
		[]string{"environment_type"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_persistence_errors_total",
			Help: "Total backend persistence errors by operation and error type.",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordTrigger increments the run-triggered counter for taskIdentifier.
func RecordTrigger(taskIdentifier string) {
	runsTriggered.WithLabelValues(taskIdentifier).Inc()
}

// RecordRunCompleted increments the terminal-run counter for status.
func RecordRunCompleted(status string) {
	runsCompleted.WithLabelValues(status).Inc()
}

// ObserveAttemptDuration records how long an attempt ran before completing.
func ObserveAttemptDuration(taskIdentifier string, d time.Duration) {
	attemptDuration.WithLabelValues(taskIdentifier).Observe(d.Seconds())
}

// RecordStallCheckFired increments the stall-check counter for
// executionStatus, called whenever a scheduled stall-check job finds its
// snapshot still latest and takes recovery action.
func RecordStallCheckFired(executionStatus string) {
	stallChecksFired.WithLabelValues(executionStatus).Inc()
}

// RecordDequeue increments the dequeue counter for environmentType.
func RecordDequeue(environmentType string) {
	dequeued.WithLabelValues(environmentType).Inc()
}

// RecordPersistenceError increments the persistence error counter.
// operation identifies the backend method (e.g. "UpdateRun",
// "CompleteWaitpoint"); errorType is a short caller-derived classification
// (e.g. "context_canceled", "conflict", "unknown").
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}
