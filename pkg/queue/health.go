package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/queuejob/pkg/health"
)

const (
	defaultHealthCheckName  = "queue"
	defaultBacklogCheckName = "queue-backlog"
)

type healthCheckable interface {
	HealthCheck(ctx context.Context) error
}

type statsReader interface {
	Stats(ctx context.Context) (Stats, error)
}

// NewHealthChecker wraps a queue's HealthCheck as a health.Checker.
func NewHealthChecker(name string, q healthCheckable, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultHealthCheckName
	}
	return health.NewAdapterChecker(checkName, q, timeout)
}

// NewBacklogChecker reports degraded when more than maxQueued entries wait or
// any entry sits in the dead-letter store. maxQueued <= 0 disables the depth limit.
func NewBacklogChecker(name string, q statsReader, maxQueued int64) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultBacklogCheckName
	}
	return health.NewCustomChecker(checkName, func(ctx context.Context) (health.Status, string, error) {
		stats, err := q.Stats(ctx)
		if err != nil {
			return health.StatusUnhealthy, "", err
		}
		message := fmt.Sprintf("queued=%d working=%d deadletter=%d", stats.Queued, stats.Working, stats.Deadletter)
		if maxQueued > 0 && stats.Queued > maxQueued {
			return health.StatusDegraded, message, nil
		}
		if stats.Deadletter > 0 {
			return health.StatusDegraded, message, nil
		}
		return health.StatusHealthy, message, nil
	})
}
