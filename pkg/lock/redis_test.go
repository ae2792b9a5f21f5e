package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/testutil"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisConfigNormalize(t *testing.T) {
	cfg := RedisConfig{}
	cfg.normalize()
	if cfg.Prefix != defaultRedisPrefix || cfg.OperationTimeout != defaultRedisOperationTimeout {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	p := &RedisProvider{config: RedisConfig{Prefix: "app:locks:"}}
	if got := p.fullKey(" entry-1 "); got != "app:locks:entry-1" {
		t.Fatalf("unexpected full key %q", got)
	}
}

func TestNewRedisProvider_ValidationErrors(t *testing.T) {
	if _, err := NewRedisProvider(RedisConfig{URL: "redis://localhost:6379"}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected logger validation error, got %v", err)
	}
	if _, err := NewRedisProvider(RedisConfig{}, logger.Nop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected url validation error, got %v", err)
	}
	if _, err := NewRedisProvider(RedisConfig{URL: "://bad"}, logger.Nop()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestRedisProvider_Integration(t *testing.T) {
	testutil.RequireDocker(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	provider, err := NewRedisProvider(RedisConfig{URL: connStr}, logger.Nop())
	if err != nil {
		t.Fatalf("NewRedisProvider() error = %v", err)
	}
	defer provider.Close()

	handle, err := Acquire(ctx, provider, "entry-1", time.Minute)
	if err != nil || handle == nil {
		t.Fatalf("Acquire() = %v, %v", handle, err)
	}
	if contended, err := Acquire(ctx, provider, "entry-1", time.Minute); err != nil || contended != nil {
		t.Fatalf("expected contention, got %v, %v", contended, err)
	}
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("second Release() must be a no-op, got %v", err)
	}
}
