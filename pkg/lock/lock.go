// Package lock provides lease-based mutual exclusion keyed by string, with
// memory, Redis, Postgres, MySQL and DynamoDB providers.
package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/queuejob/pkg/observability/tracing"
)

// DefaultRetryInterval is the pause between attempts while waiting for a contended lock.
const DefaultRetryInterval = 50 * time.Millisecond

// Lease identifies one held lock.
type Lease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// Provider grants leases on keys. Acquire reports contention as (nil, false, nil).
type Provider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Handle is a held lock. Release reaches the provider at most once.
type Handle interface {
	Key() string
	// TTL is the lease length the lock was acquired with; zero means it never expires.
	TTL() time.Duration
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Acquire makes a single attempt on key. A contended key yields (nil, nil).
func Acquire(ctx context.Context, provider Provider, key string, ttl time.Duration) (Handle, error) {
	if provider == nil {
		return nil, lockError(ErrNotInitialized, "lock provider is required")
	}
	name := providerName(provider)
	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockAcquire, name, key)
	defer span.End()

	lease, acquired, err := provider.Acquire(ctx, key, ttl)
	if err != nil {
		recordLockOperation(name, "acquire", "error")
		tracing.RecordError(span, err)
		return nil, err
	}
	if !acquired || lease == nil {
		recordLockOperation(name, "acquire", "contended")
		return nil, nil
	}
	recordLockOperation(name, "acquire", "acquired")
	tracing.RecordSuccess(span)
	return &leaseHandle{provider: provider, lease: lease, name: name, ttl: ttl}, nil
}

// AcquireWait retries a contended key every retry interval until it is
// acquired, wait elapses, or ctx ends. Giving up yields (nil, nil); provider
// failures are returned immediately.
func AcquireWait(ctx context.Context, provider Provider, key string, ttl, wait, retry time.Duration) (Handle, error) {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	deadline := time.Now().Add(wait)
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		handle, err := Acquire(ctx, provider, key, ttl)
		if err != nil || handle != nil {
			return handle, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if retry > remaining {
			retry = remaining
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

// Noop returns a handle that is always held and whose Release does nothing.
func Noop(key string) Handle {
	return noopHandle{key: key}
}

type noopHandle struct {
	key string
}

func (h noopHandle) Key() string                              { return h.key }
func (noopHandle) TTL() time.Duration                         { return 0 }
func (noopHandle) Renew(context.Context, time.Duration) error { return nil }
func (noopHandle) Release(context.Context) error              { return nil }

type leaseHandle struct {
	provider Provider
	lease    *Lease
	name     string
	ttl      time.Duration

	once       sync.Once
	releaseErr error
}

func (h *leaseHandle) Key() string { return h.lease.Key }

func (h *leaseHandle) TTL() time.Duration { return h.ttl }

func (h *leaseHandle) Renew(ctx context.Context, ttl time.Duration) error {
	err := h.provider.Renew(ctx, h.lease, ttl)
	recordLockOperation(h.name, "renew", statusOf(err))
	return err
}

func (h *leaseHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockRelease, h.name, h.lease.Key)
		defer span.End()
		h.releaseErr = h.provider.Release(ctx, h.lease)
		recordLockOperation(h.name, "release", statusOf(h.releaseErr))
		tracing.RecordError(span, h.releaseErr)
	})
	return h.releaseErr
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func providerName(p Provider) string {
	if named, ok := p.(interface{ Name() string }); ok {
		if name := strings.TrimSpace(named.Name()); name != "" {
			return name
		}
	}
	return "custom"
}

func validateAcquire(key string, ttl time.Duration) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return "", lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	return key, nil
}

func validateLease(lease *Lease) (string, string, error) {
	if lease == nil {
		return "", "", lockError(ErrInvalidArgument, "lease is required")
	}
	key := strings.TrimSpace(lease.Key)
	token := strings.TrimSpace(lease.Token)
	if key == "" || token == "" {
		return "", "", lockError(ErrInvalidArgument, "lease key and token are required")
	}
	return key, token, nil
}
