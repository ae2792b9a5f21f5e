package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/queuejob/pkg/health"
)

func TestNewHealthChecker(t *testing.T) {
	job := newTestJob(t, newFakeQueue(), &countingProcessor{result: Success()}, QueueJobConfig[string]{})

	checker := NewHealthChecker("", job, time.Second)
	if checker.Name() != "queue-job" {
		t.Fatalf("unexpected checker name %q", checker.Name())
	}
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %+v", result)
	}
}
