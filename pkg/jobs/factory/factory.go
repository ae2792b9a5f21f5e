// Package factory assembles a queue job, its queue backend and its lock
// provider from configuration.
package factory

import (
	"errors"
	"fmt"

	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/jobs"
	"github.com/nimburion/queuejob/pkg/lock"
	lockfactory "github.com/nimburion/queuejob/pkg/lock/factory"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/queue"
	queuefactory "github.com/nimburion/queuejob/pkg/queue/factory"
)

// Options customizes how entries are decoded and locked.
type Options[T any] struct {
	// Codec defaults to queue.JSONCodec.
	Codec queue.Codec[T]
	// LockKey derives the entry lock key; defaults to the entry id.
	LockKey func(entry *queue.Entry[T]) string
}

// Bundle is a configured queue job together with the resources it owns.
type Bundle[T any] struct {
	Job   *jobs.QueueJob[T]
	Queue queue.Queue[T]
	// Locks is nil when lock.provider is "none".
	Locks      lock.Provider
	RunOptions jobs.RunOptions
}

type (
	queueBuilder[T any] func(cfg config.QueueConfig, codec queue.Codec[T], log logger.Logger) (queue.Queue[T], error)
	lockBuilder         func(cfg config.LockConfig, log logger.Logger) (lock.Provider, error)
)

// New builds the queue backend and lock provider named by cfg and wraps them in a QueueJob.
func New[T any](cfg *config.Config, processor jobs.Processor[T], log logger.Logger, opts Options[T]) (*Bundle[T], error) {
	return newBundle(cfg, processor, log, opts, queuefactory.New[T], lockfactory.New)
}

func newBundle[T any](
	cfg *config.Config,
	processor jobs.Processor[T],
	log logger.Logger,
	opts Options[T],
	newQueue queueBuilder[T],
	newLocks lockBuilder,
) (*Bundle[T], error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", jobs.ErrInvalidArgument)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", jobs.ErrInvalidArgument)
	}
	mode, err := jobs.ParseResolutionMode(cfg.Runner.ResolutionMode)
	if err != nil {
		return nil, err
	}

	q, err := newQueue(cfg.Queue, opts.Codec, log)
	if err != nil {
		return nil, fmt.Errorf("create queue failed: %w", err)
	}
	locks, err := newLocks(cfg.Lock, log)
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("create lock provider failed: %w", err)
	}

	jobCfg := jobs.QueueJobConfig[T]{
		Name:           cfg.Queue.Name,
		ResolutionMode: mode,
		ReleaseTimeout: cfg.Runner.ReleaseTimeout,
		ResolveTimeout: cfg.Runner.ResolveTimeout,
	}
	if locks != nil {
		jobCfg.LockAcquirer = &jobs.KeyedLockAcquirer[T]{
			Provider:      locks,
			KeyFunc:       opts.LockKey,
			Prefix:        cfg.Lock.KeyPrefix,
			TTL:           cfg.Lock.TTL,
			Wait:          cfg.Lock.Wait,
			RetryInterval: cfg.Lock.RetryInterval,
		}
	}

	job, err := jobs.NewQueueJob[T](q, processor, log, jobCfg)
	if err != nil {
		closeErr := closeAll(q, locks)
		return nil, errors.Join(err, closeErr)
	}

	return &Bundle[T]{
		Job:   job,
		Queue: q,
		Locks: locks,
		RunOptions: jobs.RunOptions{
			Name:           job.Name(),
			Interval:       cfg.Runner.Interval,
			InitialDelay:   cfg.Runner.InitialDelay,
			IterationLimit: cfg.Runner.IterationLimit,
			Instances:      cfg.Runner.Instances,
		},
	}, nil
}

// Close releases the queue and the lock provider.
func (b *Bundle[T]) Close() error {
	if b == nil {
		return nil
	}
	return closeAll(b.Queue, b.Locks)
}

func closeAll[T any](q queue.Queue[T], locks lock.Provider) error {
	var errs []error
	if q != nil {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if locks != nil {
		if err := locks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lock provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
