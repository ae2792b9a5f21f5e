package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuejob_queue_operations_total",
			Help: "Total number of queue operations by backend, queue, operation and status",
		},
		[]string{"backend", "queue", "operation", "status"},
	)

	queueEntriesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuejob_queue_entries_inflight",
			Help: "Current number of dequeued entries not yet completed or abandoned",
		},
		[]string{"backend", "queue"},
	)
)

const (
	opEnqueue  = "enqueue"
	opDequeue  = "dequeue"
	opComplete = "complete"
	opAbandon  = "abandon"
)

func recordQueueOperation(backend, queueName, operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	queueOperationsTotal.WithLabelValues(
		normalizeQueueLabel(backend),
		normalizeQueueLabel(queueName),
		operation,
		status,
	).Inc()
}

func trackInFlight(backend, queueName string, delta float64) {
	queueEntriesInFlight.WithLabelValues(normalizeQueueLabel(backend), normalizeQueueLabel(queueName)).Add(delta)
}

func normalizeQueueLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
