package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/nimburion/queuejob/pkg/lock"
	"github.com/nimburion/queuejob/pkg/queue"
)

// DefaultEntryLockTTL is the lease length used by KeyedLockAcquirer when TTL is unset.
const DefaultEntryLockTTL = 5 * time.Minute

// LockAcquirer grants exclusive ownership of an entry for one pass.
// Contention yields (nil, nil); only infrastructure failures return an error.
type LockAcquirer[T any] interface {
	AcquireLock(ctx context.Context, entry *queue.Entry[T]) (lock.Handle, error)
}

// LockAcquirerFunc adapts a function to LockAcquirer.
type LockAcquirerFunc[T any] func(ctx context.Context, entry *queue.Entry[T]) (lock.Handle, error)

func (f LockAcquirerFunc[T]) AcquireLock(ctx context.Context, entry *queue.Entry[T]) (lock.Handle, error) {
	return f(ctx, entry)
}

// NoopLockAcquirer always grants a handle that holds nothing.
type NoopLockAcquirer[T any] struct{}

func (NoopLockAcquirer[T]) AcquireLock(_ context.Context, entry *queue.Entry[T]) (lock.Handle, error) {
	if entry == nil {
		return lock.Noop(""), nil
	}
	return lock.Noop(entry.ID()), nil
}

// KeyedLockAcquirer locks a key derived from the entry on a lock.Provider,
// serializing processing of entries that share a key across workers.
type KeyedLockAcquirer[T any] struct {
	Provider lock.Provider
	// KeyFunc derives the lock key; defaults to the entry id.
	KeyFunc func(entry *queue.Entry[T]) string
	Prefix  string
	TTL     time.Duration
	// Wait is how long a contended key is retried; zero means a single attempt.
	Wait          time.Duration
	RetryInterval time.Duration
}

func (a *KeyedLockAcquirer[T]) AcquireLock(ctx context.Context, entry *queue.Entry[T]) (lock.Handle, error) {
	if a == nil || a.Provider == nil {
		return nil, jobsError(ErrNotInitialized, "lock provider is required")
	}
	if entry == nil {
		return nil, jobsError(ErrInvalidArgument, "entry is required")
	}

	key := entry.ID()
	if a.KeyFunc != nil {
		key = a.KeyFunc(entry)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, jobsError(ErrValidation, "lock key is empty")
	}
	if prefix := strings.TrimSpace(a.Prefix); prefix != "" {
		key = strings.TrimRight(prefix, ":") + ":" + key
	}

	ttl := a.TTL
	if ttl <= 0 {
		ttl = DefaultEntryLockTTL
	}
	if a.Wait <= 0 {
		return lock.Acquire(ctx, a.Provider, key, ttl)
	}
	return lock.AcquireWait(ctx, a.Provider, key, ttl, a.Wait, a.RetryInterval)
}
