package factory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/jobs"
	"github.com/nimburion/queuejob/pkg/lock"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/queue"
)

type invoice struct {
	Customer string `json:"customer"`
	Amount   int    `json:"amount"`
}

func TestNew_MemoryDrain(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.Name = "invoices"
	cfg.Lock.Provider = config.LockProviderMemory
	cfg.Lock.KeyPrefix = "invoice"
	cfg.Runner.Instances = 2

	var (
		mu   sync.Mutex
		keys []string
	)
	processor := jobs.ProcessorFunc[invoice](func(ctx context.Context, ec *jobs.EntryContext[invoice]) (jobs.Result, error) {
		mu.Lock()
		keys = append(keys, ec.Lock.Key())
		mu.Unlock()
		return jobs.Success(), nil
	})

	bundle, err := New[invoice](cfg, processor, logger.Nop(), Options[invoice]{
		LockKey: func(entry *queue.Entry[invoice]) string { return entry.Value().Customer },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer bundle.Close()

	if bundle.Job.Name() != "invoices" || bundle.RunOptions.Instances != 2 {
		t.Fatalf("unexpected bundle: name=%q options=%+v", bundle.Job.Name(), bundle.RunOptions)
	}
	if bundle.Locks == nil {
		t.Fatal("expected memory lock provider")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, customer := range []string{"acme", "globex", "initech"} {
		if _, err := bundle.Queue.Enqueue(ctx, invoice{Customer: customer, Amount: 10}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if err := bundle.Job.RunUntilEmpty(ctx); err != nil {
		t.Fatalf("RunUntilEmpty() error = %v", err)
	}

	stats, err := bundle.Queue.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Completed != 3 || stats.Pending() != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 3 {
		t.Fatalf("expected 3 processed entries, got %d", len(keys))
	}
	for _, key := range keys {
		if key != "invoice:acme" && key != "invoice:globex" && key != "invoice:initech" {
			t.Fatalf("unexpected lock key %q", key)
		}
	}
}

func TestNew_NoLockProvider(t *testing.T) {
	bundle, err := New[invoice](config.DefaultConfig(), jobs.ProcessorFunc[invoice](func(context.Context, *jobs.EntryContext[invoice]) (jobs.Result, error) {
		return jobs.Success(), nil
	}), logger.Nop(), Options[invoice]{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer bundle.Close()
	if bundle.Locks != nil {
		t.Fatalf("expected no lock provider, got %T", bundle.Locks)
	}
}

type closeTrackingQueue struct {
	queue.Queue[invoice]
	closed bool
}

func (q *closeTrackingQueue) Close() error {
	q.closed = true
	return nil
}

func TestNewBundle_Errors(t *testing.T) {
	noop := jobs.ProcessorFunc[invoice](func(context.Context, *jobs.EntryContext[invoice]) (jobs.Result, error) {
		return jobs.Success(), nil
	})
	memoryQueue := func(config.QueueConfig, queue.Codec[invoice], logger.Logger) (queue.Queue[invoice], error) {
		return queue.NewMemoryQueue[invoice](queue.MemoryConfig{Name: "invoices"}), nil
	}
	noLocks := func(config.LockConfig, logger.Logger) (lock.Provider, error) { return nil, nil }

	t.Run("nil config", func(t *testing.T) {
		_, err := newBundle[invoice](nil, noop, logger.Nop(), Options[invoice]{}, memoryQueue, noLocks)
		if !errors.Is(err, jobs.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("bad resolution mode", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Runner.ResolutionMode = "sometimes"
		_, err := newBundle[invoice](cfg, noop, logger.Nop(), Options[invoice]{}, memoryQueue, noLocks)
		if !errors.Is(err, jobs.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("queue failure", func(t *testing.T) {
		boom := errors.New("dial failed")
		_, err := newBundle[invoice](config.DefaultConfig(), noop, logger.Nop(), Options[invoice]{},
			func(config.QueueConfig, queue.Codec[invoice], logger.Logger) (queue.Queue[invoice], error) { return nil, boom },
			noLocks)
		if !errors.Is(err, boom) {
			t.Fatalf("expected queue error, got %v", err)
		}
	})

	t.Run("lock failure closes queue", func(t *testing.T) {
		tracked := &closeTrackingQueue{Queue: queue.NewMemoryQueue[invoice](queue.MemoryConfig{})}
		boom := errors.New("ping failed")
		_, err := newBundle[invoice](config.DefaultConfig(), noop, logger.Nop(), Options[invoice]{},
			func(config.QueueConfig, queue.Codec[invoice], logger.Logger) (queue.Queue[invoice], error) { return tracked, nil },
			func(config.LockConfig, logger.Logger) (lock.Provider, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected lock error, got %v", err)
		}
		if !tracked.closed {
			t.Fatal("expected queue to be closed")
		}
	})

	t.Run("nil processor closes queue", func(t *testing.T) {
		tracked := &closeTrackingQueue{Queue: queue.NewMemoryQueue[invoice](queue.MemoryConfig{})}
		_, err := newBundle[invoice](config.DefaultConfig(), nil, logger.Nop(), Options[invoice]{},
			func(config.QueueConfig, queue.Codec[invoice], logger.Logger) (queue.Queue[invoice], error) { return tracked, nil },
			noLocks)
		if !errors.Is(err, jobs.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if !tracked.closed {
			t.Fatal("expected queue to be closed")
		}
	})
}
