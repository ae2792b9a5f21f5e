package queue

import (
	"context"
	"sync"
	"time"
)

// EntryInfo is the backend-facing identity of a dequeued entry.
type EntryInfo struct {
	ID         string
	Attempts   int
	EnqueuedAt time.Time
	DequeuedAt time.Time
	// Receipt is the backend handle needed to settle the entry
	// (SQS receipt handle, AMQP delivery tag, ...). Empty when the ID is enough.
	Receipt string
}

// Resolver settles entries on the backend that produced them.
type Resolver interface {
	Complete(ctx context.Context, info EntryInfo) error
	Abandon(ctx context.Context, info EntryInfo) error
}

// ResolverFuncs adapts two functions to a Resolver. Nil functions succeed.
type ResolverFuncs struct {
	CompleteFunc func(ctx context.Context, info EntryInfo) error
	AbandonFunc  func(ctx context.Context, info EntryInfo) error
}

func (r ResolverFuncs) Complete(ctx context.Context, info EntryInfo) error {
	if r.CompleteFunc == nil {
		return nil
	}
	return r.CompleteFunc(ctx, info)
}

func (r ResolverFuncs) Abandon(ctx context.Context, info EntryInfo) error {
	if r.AbandonFunc == nil {
		return nil
	}
	return r.AbandonFunc(ctx, info)
}

type entryState int

const (
	entryPending entryState = iota
	entryCompleted
	entryAbandoned
)

// Entry is one dequeued work item. Exactly one of Complete or Abandon takes
// effect, and only once; later calls return ErrAlreadyResolved without
// reaching the backend. A failed backend call leaves the entry unresolved.
type Entry[T any] struct {
	info     EntryInfo
	value    T
	resolver Resolver

	mu    sync.Mutex
	state entryState
}

// NewEntry builds an entry bound to resolver.
func NewEntry[T any](info EntryInfo, value T, resolver Resolver) *Entry[T] {
	if resolver == nil {
		resolver = ResolverFuncs{}
	}
	return &Entry[T]{info: info, value: value, resolver: resolver}
}

func (e *Entry[T]) ID() string            { return e.info.ID }
func (e *Entry[T]) Value() T              { return e.value }
func (e *Entry[T]) Attempts() int         { return e.info.Attempts }
func (e *Entry[T]) EnqueuedAt() time.Time { return e.info.EnqueuedAt }
func (e *Entry[T]) DequeuedAt() time.Time { return e.info.DequeuedAt }
func (e *Entry[T]) Info() EntryInfo       { return e.info }

// Complete acknowledges the entry.
func (e *Entry[T]) Complete(ctx context.Context) error {
	return e.resolve(ctx, entryCompleted)
}

// Abandon returns the entry to its queue (or dead-letters it once out of attempts).
func (e *Entry[T]) Abandon(ctx context.Context) error {
	return e.resolve(ctx, entryAbandoned)
}

func (e *Entry[T]) resolve(ctx context.Context, target entryState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != entryPending {
		return queueError(ErrAlreadyResolved, e.info.ID)
	}

	var err error
	if target == entryCompleted {
		err = e.resolver.Complete(ctx, e.info)
	} else {
		err = e.resolver.Abandon(ctx, e.info)
	}
	if err != nil {
		return err
	}
	e.state = target
	return nil
}

func (e *Entry[T]) IsCompleted() bool { return e.currentState() == entryCompleted }
func (e *Entry[T]) IsAbandoned() bool { return e.currentState() == entryAbandoned }
func (e *Entry[T]) IsResolved() bool  { return e.currentState() != entryPending }

func (e *Entry[T]) currentState() entryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
