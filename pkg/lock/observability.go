package lock

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queuejob_lock_operations_total",
		Help: "Total number of lock provider operations by provider, operation and status",
	},
	[]string{"provider", "operation", "status"},
)

func recordLockOperation(provider, operation, status string) {
	lockOperationsTotal.WithLabelValues(normalizeLockLabel(provider), operation, normalizeLockLabel(status)).Inc()
}

func normalizeLockLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
