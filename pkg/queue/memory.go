package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const backendMemory = "memory"

// MemoryConfig configures an in-process queue.
type MemoryConfig struct {
	Name            string
	MaxAttempts     int
	WorkItemTimeout time.Duration
	// PollInterval bounds how long an idle Dequeue waits before re-checking work item timeouts.
	PollInterval time.Duration
}

func (c *MemoryConfig) normalize() {
	c.Name = normalizeName(c.Name, "default")
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.WorkItemTimeout <= 0 {
		c.WorkItemTimeout = DefaultWorkItemTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

type memoryItem[T any] struct {
	id         string
	value      T
	attempts   int
	enqueuedAt time.Time
	dequeuedAt time.Time
	deadline   time.Time
}

// MemoryQueue is a FIFO queue held in process memory. Dequeued entries stay
// in a working set until resolved or until their work item timeout expires.
type MemoryQueue[T any] struct {
	config MemoryConfig
	now    func() time.Time

	mu         sync.Mutex
	ready      []*memoryItem[T]
	working    map[string]*memoryItem[T]
	deadletter []*memoryItem[T]
	stats      Stats
	signal     chan struct{}
	closed     bool
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue[T any](cfg MemoryConfig) *MemoryQueue[T] {
	cfg.normalize()
	return &MemoryQueue[T]{
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
		working: map[string]*memoryItem[T]{},
		signal:  make(chan struct{}),
	}
}

func (q *MemoryQueue[T]) Name() string { return q.config.Name }

func (q *MemoryQueue[T]) Enqueue(ctx context.Context, value T) (string, error) {
	if ctx == nil {
		return "", queueError(ErrInvalidArgument, "context is required")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", queueError(ErrClosed, q.config.Name)
	}
	item := &memoryItem[T]{
		id:         uuid.NewString(),
		value:      value,
		enqueuedAt: q.now(),
	}
	q.ready = append(q.ready, item)
	q.stats.Enqueued++
	q.broadcastLocked()
	q.mu.Unlock()

	recordQueueOperation(backendMemory, q.config.Name, opEnqueue, nil)
	return item.id, nil
}

func (q *MemoryQueue[T]) Dequeue(ctx context.Context) (*Entry[T], error) {
	if ctx == nil {
		return nil, queueError(ErrInvalidArgument, "context is required")
	}
	for {
		if ctx.Err() != nil {
			return nil, nil
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queueError(ErrClosed, q.config.Name)
		}
		q.requeueExpiredLocked()
		if len(q.ready) > 0 {
			item := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]

			now := q.now()
			item.attempts++
			item.dequeuedAt = now
			item.deadline = now.Add(q.config.WorkItemTimeout)
			q.working[item.id] = item
			q.stats.Dequeued++
			info := EntryInfo{
				ID:         item.id,
				Attempts:   item.attempts,
				EnqueuedAt: item.enqueuedAt,
				DequeuedAt: item.dequeuedAt,
			}
			value := item.value
			q.mu.Unlock()

			recordQueueOperation(backendMemory, q.config.Name, opDequeue, nil)
			trackInFlight(backendMemory, q.config.Name, 1)
			return NewEntry(info, value, memoryResolver[T]{queue: q}), nil
		}
		signal := q.signal
		q.mu.Unlock()

		timer := time.NewTimer(q.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *MemoryQueue[T]) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpiredLocked()

	stats := q.stats
	stats.Queued = int64(len(q.ready))
	stats.Working = int64(len(q.working))
	stats.Deadletter = int64(len(q.deadletter))
	return stats, nil
}

// DeadLetters returns the values of dead-lettered entries, oldest first.
func (q *MemoryQueue[T]) DeadLetters() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	values := make([]T, 0, len(q.deadletter))
	for _, item := range q.deadletter {
		values = append(values, item.value)
	}
	return values
}

func (q *MemoryQueue[T]) HealthCheck(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queueError(ErrClosed, q.config.Name)
	}
	return nil
}

func (q *MemoryQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcastLocked()
	}
	return nil
}

func (q *MemoryQueue[T]) complete(info EntryInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leasedLocked(info); !ok {
		q.stats.Errors++
		return queueError(ErrLeaseLost, info.ID)
	}
	delete(q.working, info.ID)
	q.stats.Completed++
	return nil
}

func (q *MemoryQueue[T]) abandon(info EntryInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.leasedLocked(info)
	if !ok {
		q.stats.Errors++
		return queueError(ErrLeaseLost, info.ID)
	}
	delete(q.working, info.ID)
	q.stats.Abandoned++
	q.retryOrDeadletterLocked(item)
	return nil
}

// leasedLocked returns the in-flight item only while info still describes its
// current delivery. A delivery that timed out and was dequeued again carries a
// stale attempt number.
func (q *MemoryQueue[T]) leasedLocked(info EntryInfo) (*memoryItem[T], bool) {
	item, ok := q.working[info.ID]
	if !ok || item.attempts != info.Attempts {
		return nil, false
	}
	return item, true
}

func (q *MemoryQueue[T]) retryOrDeadletterLocked(item *memoryItem[T]) {
	if item.attempts >= q.config.MaxAttempts {
		q.deadletter = append(q.deadletter, item)
		return
	}
	q.ready = append(q.ready, item)
	q.broadcastLocked()
}

func (q *MemoryQueue[T]) requeueExpiredLocked() {
	if len(q.working) == 0 {
		return
	}
	now := q.now()
	for id, item := range q.working {
		if now.Before(item.deadline) {
			continue
		}
		delete(q.working, id)
		q.stats.Timeouts++
		trackInFlight(backendMemory, q.config.Name, -1)
		q.retryOrDeadletterLocked(item)
	}
}

// broadcastLocked wakes every waiting Dequeue.
func (q *MemoryQueue[T]) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

type memoryResolver[T any] struct {
	queue *MemoryQueue[T]
}

func (r memoryResolver[T]) Complete(ctx context.Context, info EntryInfo) error {
	err := r.queue.complete(info)
	recordQueueOperation(backendMemory, r.queue.config.Name, opComplete, err)
	if err == nil {
		trackInFlight(backendMemory, r.queue.config.Name, -1)
	}
	return err
}

func (r memoryResolver[T]) Abandon(ctx context.Context, info EntryInfo) error {
	err := r.queue.abandon(info)
	recordQueueOperation(backendMemory, r.queue.config.Name, opAbandon, err)
	if err == nil {
		trackInFlight(backendMemory, r.queue.config.Name, -1)
	}
	return err
}
