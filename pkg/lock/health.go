package lock

import (
	"strings"
	"time"

	"github.com/nimburion/queuejob/pkg/health"
)

const defaultHealthCheckName = "lock-provider"

// NewHealthChecker creates a standard health checker for a lock provider.
func NewHealthChecker(name string, provider Provider, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultHealthCheckName
	}
	return health.NewAdapterChecker(checkName, provider, timeout)
}
