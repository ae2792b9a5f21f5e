// Package jobs runs queue-backed processing passes: dequeue one entry, lock
// it, hand it to a Processor and resolve it, plus a drain loop that repeats
// passes until the queue is empty.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/queuejob/pkg/lock"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/observability/tracing"
	"github.com/nimburion/queuejob/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DequeueTimeout bounds how long one pass waits for an entry to appear.
	DequeueTimeout = 30 * time.Second
	// DrainInterval is the pause between passes in RunUntilEmpty.
	DrainInterval = time.Millisecond

	// DefaultReleaseTimeout bounds each lock release and renewal call.
	DefaultReleaseTimeout = 5 * time.Second
	// DefaultResolveTimeout bounds the Complete or Abandon call that settles an entry.
	DefaultResolveTimeout = 10 * time.Second

	minLockRenewInterval = 100 * time.Millisecond

	lockUnavailableMessage = "Unable to acquire queue entry lock."
)

// ResolutionMode selects who completes or abandons a processed entry.
type ResolutionMode int

const (
	// ResolutionAuto completes the entry on a Success result and abandons it otherwise.
	ResolutionAuto ResolutionMode = iota
	// ResolutionManual leaves resolution to the processor.
	ResolutionManual
)

func (m ResolutionMode) String() string {
	switch m {
	case ResolutionAuto:
		return "auto"
	case ResolutionManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseResolutionMode converts "auto" or "manual" to a ResolutionMode.
func ParseResolutionMode(value string) (ResolutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return ResolutionAuto, nil
	case "manual":
		return ResolutionManual, nil
	default:
		return ResolutionAuto, jobsError(ErrValidation, fmt.Sprintf("unknown resolution mode %q", value))
	}
}

// QueueJobConfig configures a QueueJob.
type QueueJobConfig[T any] struct {
	// Name defaults to the queue name.
	Name           string
	ResolutionMode ResolutionMode
	// LockAcquirer defaults to NoopLockAcquirer.
	LockAcquirer   LockAcquirer[T]
	ReleaseTimeout time.Duration
	ResolveTimeout time.Duration
}

func (c *QueueJobConfig[T]) normalize(queueName string) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = queueName
	}
	if c.LockAcquirer == nil {
		c.LockAcquirer = NoopLockAcquirer[T]{}
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
}

// QueueJob processes entries of a queue one pass at a time.
type QueueJob[T any] struct {
	queue     queue.Queue[T]
	processor Processor[T]
	log       logger.Logger
	config    QueueJobConfig[T]
	runner    *Runner

	dequeueTimeout   time.Duration
	minRenewInterval time.Duration
}

// NewQueueJob creates a job over q that hands each entry to processor.
func NewQueueJob[T any](q queue.Queue[T], processor Processor[T], log logger.Logger, cfg QueueJobConfig[T]) (*QueueJob[T], error) {
	if q == nil {
		return nil, jobsError(ErrInvalidArgument, "queue is required")
	}
	if processor == nil {
		return nil, jobsError(ErrInvalidArgument, "processor is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	if cfg.ResolutionMode != ResolutionAuto && cfg.ResolutionMode != ResolutionManual {
		return nil, jobsError(ErrValidation, "unknown resolution mode")
	}
	cfg.normalize(q.Name())

	runner, err := NewRunner(log)
	if err != nil {
		return nil, err
	}
	return &QueueJob[T]{
		queue:            q,
		processor:        processor,
		log:              log,
		config:           cfg,
		runner:           runner,
		dequeueTimeout:   DequeueTimeout,
		minRenewInterval: minLockRenewInterval,
	}, nil
}

func (j *QueueJob[T]) Name() string { return j.config.Name }

func (j *QueueJob[T]) Queue() queue.Queue[T] { return j.queue }

// HealthCheck reports the health of the underlying queue.
func (j *QueueJob[T]) HealthCheck(ctx context.Context) error {
	if j == nil || j.queue == nil {
		return jobsError(ErrNotInitialized, "queue job is not initialized")
	}
	return j.queue.HealthCheck(ctx)
}

// Run executes one pass. Idle passes and lock contention are successes.
// Dequeue failures are reported as a Failure result with a nil error.
// Processor faults and resolution failures are returned as errors after the
// entry has been abandoned where possible.
func (j *QueueJob[T]) Run(ctx context.Context) (Result, error) {
	if j == nil || j.queue == nil || j.processor == nil {
		err := jobsError(ErrNotInitialized, "queue job is not initialized")
		return Failure(err), err
	}
	if ctx == nil {
		err := jobsError(ErrInvalidArgument, "context is required")
		return Failure(err), err
	}

	runID := logger.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logger.ContextWithRunID(ctx, runID)
	}
	log := j.log.WithContext(ctx).With("job", j.config.Name, "queue", j.queue.Name())
	log.Debug("queue job pass started")

	ctx, span := tracing.StartMessagingSpan(
		ctx,
		tracing.SpanOperationMsgProcess,
		tracing.WithMessagingSystem("queuejob"),
		tracing.WithMessagingDestination(j.queue.Name()),
		tracing.WithJobName(j.config.Name),
	)
	defer span.End()

	started := time.Now()
	outcome, result, err := j.runPass(ctx, span, runID, log)
	recordPass(j.config.Name, outcome, time.Since(started))

	span.SetAttributes(attribute.String("queuejob.outcome", outcome))
	if err != nil {
		tracing.RecordError(span, err)
	} else {
		tracing.RecordSuccess(span)
	}
	return result, err
}

func (j *QueueJob[T]) runPass(ctx context.Context, span trace.Span, runID string, log logger.Logger) (string, Result, error) {
	dequeueCtx, cancel := context.WithTimeout(ctx, j.dequeueTimeout)
	entry, err := j.queue.Dequeue(dequeueCtx)
	dequeueEnded := dequeueCtx.Err() != nil
	cancel()

	if err != nil && !(dequeueEnded && isContextError(err)) {
		log.Error("queue job dequeue failed", "error", err)
		return passOutcomeDequeueError, Failure(errors.Join(jobsError(ErrDequeue, "dequeue failed"), err)), nil
	}
	if err != nil || entry == nil {
		log.Debug("queue job pass idle")
		return passOutcomeIdle, Success(), nil
	}

	span.SetAttributes(
		attribute.String("messaging.message.id", entry.ID()),
		attribute.Int("queuejob.attempts", entry.Attempts()),
	)
	log = log.With("entry_id", entry.ID(), "attempts", entry.Attempts())

	if ctx.Err() != nil {
		if err := j.resolve(ctx, entry, false); err != nil {
			log.Error("abandon after cancellation failed", "error", err)
			return passOutcomeResolveError, Cancelled(), err
		}
		log.Info("queue job cancelled before processing, entry abandoned")
		return passOutcomeCancelled, Cancelled(), nil
	}

	handle, err := j.config.LockAcquirer.AcquireLock(ctx, entry)
	if err != nil {
		lockErr := errors.Join(jobsError(ErrLockAcquire, "acquire entry lock failed"), err)
		if abandonErr := j.resolve(ctx, entry, false); abandonErr != nil {
			lockErr = errors.Join(lockErr, abandonErr)
		}
		log.Error("queue entry lock failed, entry abandoned", "error", err)
		return passOutcomeLockError, Failure(lockErr), lockErr
	}
	if handle == nil {
		log.Debug("queue entry lock unavailable")
		return passOutcomeLockContended, SuccessWithMessage(lockUnavailableMessage), nil
	}
	stopRenew := j.startLockRenewal(ctx, handle, log)
	defer func() {
		stopRenew()
		j.release(ctx, handle, log)
	}()

	trackProcessing(j.config.Name, 1)
	result, fault := j.invoke(ctx, &EntryContext[T]{
		Entry:   entry,
		Lock:    handle,
		JobName: j.config.Name,
		RunID:   runID,
	})
	trackProcessing(j.config.Name, -1)

	if fault != nil {
		fault = errors.Join(jobsError(ErrProcessingFault, "processor failed"), fault)
		if !entry.IsResolved() {
			if err := j.resolve(ctx, entry, false); err != nil {
				fault = errors.Join(fault, err)
			}
		}
		log.Error("queue job processing fault, entry abandoned", "error", fault)
		return passOutcomeFault, Failure(fault), fault
	}

	if j.config.ResolutionMode == ResolutionManual {
		if !entry.IsResolved() {
			log.Warn("processor returned without resolving entry", "result", result.String())
		}
		return outcomeOf(result), result, nil
	}

	if entry.IsResolved() {
		log.Warn("processor resolved entry in auto resolution mode", "result", result.String())
		return outcomeOf(result), result, nil
	}
	if err := j.resolve(ctx, entry, result.IsSuccess()); err != nil {
		log.Error("queue entry resolution failed", "result", result.String(), "error", err)
		return passOutcomeResolveError, result, err
	}
	log.Debug("queue job pass finished", "result", result.String())
	return outcomeOf(result), result, nil
}

func (j *QueueJob[T]) invoke(ctx context.Context, ec *EntryContext[T]) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{}
			err = fmt.Errorf("panic while processing entry: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()
	return j.processor.Process(ctx, ec)
}

// resolve completes or abandons entry on a context detached from caller
// cancellation so an abandon after cancellation still reaches the queue.
func (j *QueueJob[T]) resolve(ctx context.Context, entry *queue.Entry[T], complete bool) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.config.ResolveTimeout)
	defer cancel()

	action := "abandon"
	if complete {
		action = "complete"
	}
	settleCtx, span := tracing.StartMessagingSpan(
		settleCtx,
		tracing.SpanOperationMsgSettle,
		tracing.WithMessagingSystem("queuejob"),
		tracing.WithMessagingDestination(j.queue.Name()),
		tracing.WithMessagingMessageID(entry.ID()),
	)
	span.SetAttributes(attribute.String("queuejob.resolution", action))
	defer span.End()

	var err error
	if complete {
		err = entry.Complete(settleCtx)
	} else {
		err = entry.Abandon(settleCtx)
	}
	recordResolution(j.config.Name, action, err)
	if err != nil {
		tracing.RecordError(span, err)
		return errors.Join(jobsError(ErrResolution, action+" entry failed"), err)
	}
	tracing.RecordSuccess(span)
	return nil
}

// startLockRenewal renews handle every half TTL until the returned stop
// function is called. Stop waits for the renewal goroutine, so no renewal can
// reach the provider after the lock is released.
func (j *QueueJob[T]) startLockRenewal(ctx context.Context, handle lock.Handle, log logger.Logger) func() {
	ttl := handle.TTL()
	if ttl <= 0 {
		return func() {}
	}
	interval := ttl / 2
	if interval < j.minRenewInterval {
		interval = j.minRenewInterval
	}

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				opCtx, opCancel := context.WithTimeout(renewCtx, j.config.ReleaseTimeout)
				err := handle.Renew(opCtx, ttl)
				opCancel()
				if err != nil {
					if renewCtx.Err() == nil {
						log.Error("queue entry lock renewal failed", "lock_key", handle.Key(), "error", err)
					}
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (j *QueueJob[T]) release(ctx context.Context, handle lock.Handle, log logger.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.config.ReleaseTimeout)
	defer cancel()
	if err := handle.Release(releaseCtx); err != nil {
		log.Warn("queue entry lock release failed", "lock_key", handle.Key(), "error", err)
	}
}

// RunUntilEmpty repeats passes until the queue reports no queued or working
// entries, or ctx ends. Failed passes do not stop the drain.
func (j *QueueJob[T]) RunUntilEmpty(ctx context.Context) error {
	if j == nil || j.queue == nil {
		return jobsError(ErrNotInitialized, "queue job is not initialized")
	}
	return j.runner.RunContinuous(ctx, j, RunOptions{
		Name:     j.config.Name,
		Interval: DrainInterval,
		Continue: func(ctx context.Context) (bool, error) {
			stats, err := j.queue.Stats(ctx)
			if err != nil {
				return false, fmt.Errorf("queue stats failed: %w", err)
			}
			return stats.Queued+stats.Working > 0, nil
		},
	})
}

func outcomeOf(result Result) string {
	switch result.Kind() {
	case ResultSuccess:
		return passOutcomeSuccess
	case ResultCancelled:
		return passOutcomeCancelled
	default:
		return passOutcomeFailure
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
