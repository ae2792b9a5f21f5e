package lock

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/queuejob/pkg/health"
)

func TestNewHealthChecker(t *testing.T) {
	provider := NewMemoryProvider()
	checker := NewHealthChecker(" ", provider, time.Second)
	if checker.Name() != defaultHealthCheckName {
		t.Fatalf("unexpected name %q", checker.Name())
	}
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %+v", result)
	}

	_ = provider.Close()
	if result := checker.Check(context.Background()); result.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy after close, got %+v", result)
	}
}
