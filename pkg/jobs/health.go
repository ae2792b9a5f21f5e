package jobs

import (
	"strings"
	"time"

	"github.com/nimburion/queuejob/pkg/health"
)

const defaultQueueJobHealthCheckName = "queue-job"

// NewHealthChecker creates a standard health checker for a queue job.
func NewHealthChecker[T any](name string, job *QueueJob[T], timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultQueueJobHealthCheckName
	}
	return health.NewAdapterChecker(checkName, job, timeout)
}
