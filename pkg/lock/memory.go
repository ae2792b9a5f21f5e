package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider holds leases in process memory. It only coordinates
// goroutines of a single process.
type MemoryProvider struct {
	now func() time.Time

	mu     sync.Mutex
	leases map[string]Lease
	closed bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		now:    func() time.Time { return time.Now().UTC() },
		leases: map[string]Lease{},
	}
}

func (p *MemoryProvider) Name() string { return "memory" }

func (p *MemoryProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, lockError(ErrClosed, "memory lock provider is closed")
	}

	now := p.now()
	if current, ok := p.leases[key]; ok && now.Before(current.ExpireAt) {
		return nil, false, nil
	}
	lease := Lease{Key: key, Token: uuid.NewString(), ExpireAt: now.Add(ttl)}
	p.leases[key] = lease
	return &lease, true, nil
}

func (p *MemoryProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	current, ok := p.leases[key]
	if !ok || current.Token != token || !now.Before(current.ExpireAt) {
		return lockError(ErrConflict, "lock renew rejected")
	}
	current.ExpireAt = now.Add(ttl)
	p.leases[key] = current
	lease.ExpireAt = current.ExpireAt
	return nil
}

func (p *MemoryProvider) Release(ctx context.Context, lease *Lease) error {
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.leases[key]
	if !ok || current.Token != token {
		return lockError(ErrConflict, "lock release rejected")
	}
	delete(p.leases, key)
	return nil
}

func (p *MemoryProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return lockError(ErrClosed, "memory lock provider is closed")
	}
	return nil
}

func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
