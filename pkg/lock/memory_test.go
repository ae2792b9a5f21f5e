package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderExclusivityAndExpiry(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return now }

	first, ok, err := provider.Acquire(ctx, "entry-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v", ok, err)
	}
	if _, ok, _ := provider.Acquire(ctx, "entry-1", time.Minute); ok {
		t.Fatal("expected contended acquire to fail")
	}
	if _, ok, _ := provider.Acquire(ctx, "entry-2", time.Minute); !ok {
		t.Fatal("expected independent key to be acquired")
	}

	now = now.Add(2 * time.Minute)
	second, ok, err := provider.Acquire(ctx, "entry-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected takeover after expiry, got %v, %v", ok, err)
	}

	if err := provider.Release(ctx, first); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale release conflict, got %v", err)
	}
	if err := provider.Renew(ctx, second, time.Minute); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if err := provider.Release(ctx, second); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestMemoryProviderValidation(t *testing.T) {
	provider := NewMemoryProvider()
	if _, _, err := provider.Acquire(context.Background(), " ", time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
	}
	if _, _, err := provider.Acquire(context.Background(), "k", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero ttl, got %v", err)
	}
	if err := provider.Release(context.Background(), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil lease, got %v", err)
	}
	_ = provider.Close()
	if err := provider.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
