package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of work executed by a Runner.
type Job interface {
	Run(ctx context.Context) (Result, error)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) (Result, error)

func (f JobFunc) Run(ctx context.Context) (Result, error) {
	return f(ctx)
}

// RunOptions controls RunContinuous.
type RunOptions struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	// IterationLimit caps passes per instance; zero means unlimited.
	IterationLimit int
	// Instances is the number of concurrent loops, default 1.
	Instances int
	// Continue is sampled before every pass; nil means always continue.
	Continue func(ctx context.Context) (bool, error)
}

func (o *RunOptions) normalize() {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		o.Name = "job"
	}
	if o.Instances <= 0 {
		o.Instances = 1
	}
	if o.Interval < 0 {
		o.Interval = 0
	}
}

// Runner drives jobs once or repeatedly, logging every outcome.
type Runner struct {
	log logger.Logger
}

// NewRunner creates a runner.
func NewRunner(log logger.Logger) (*Runner, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	return &Runner{log: log}, nil
}

// RunOnce executes job a single time. A panic in job is returned as an error.
func (r *Runner) RunOnce(ctx context.Context, job Job) (Result, error) {
	return r.runOnce(ctx, job, "job")
}

func (r *Runner) runOnce(ctx context.Context, job Job, name string) (result Result, err error) {
	if r == nil {
		err = jobsError(ErrNotInitialized, "runner is not initialized")
		return Failure(err), err
	}
	if job == nil {
		err = jobsError(ErrInvalidArgument, "job is required")
		return Failure(err), err
	}
	if ctx == nil {
		err = jobsError(ErrInvalidArgument, "context is required")
		return Failure(err), err
	}

	log := r.log.WithContext(ctx).With("runner", name)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while running job: %v; stack=%s", rec, string(debug.Stack()))
			result = Failure(err)
		}

		switch {
		case err != nil:
			recordRunnerIteration(name, "error")
			log.Error("job run failed", "result", result.String(), "error", err)
		case result.IsFailure():
			recordRunnerIteration(name, ResultFailure.String())
			log.Warn("job run finished with failure", "result", result.String())
		case result.IsCancelled():
			recordRunnerIteration(name, ResultCancelled.String())
			log.Info("job run cancelled", "result", result.String())
		default:
			recordRunnerIteration(name, ResultSuccess.String())
			log.Debug("job run finished", "result", result.String())
		}
	}()

	return job.Run(ctx)
}

// RunContinuous runs job in opts.Instances loops until ctx ends, Continue
// returns false, or IterationLimit passes complete. Failed passes are
// logged and do not stop the loop. It returns ctx.Err() when cancelled and
// otherwise the first Continue error.
func (r *Runner) RunContinuous(ctx context.Context, job Job, opts RunOptions) error {
	if r == nil {
		return jobsError(ErrNotInitialized, "runner is not initialized")
	}
	if ctx == nil {
		return jobsError(ErrInvalidArgument, "context is required")
	}
	if job == nil {
		return jobsError(ErrInvalidArgument, "job is required")
	}
	if opts.IterationLimit < 0 {
		return jobsError(ErrValidation, "iteration limit must be >= 0")
	}
	opts.normalize()

	group, groupCtx := errgroup.WithContext(ctx)
	for instance := 0; instance < opts.Instances; instance++ {
		group.Go(func() error {
			return r.loop(groupCtx, job, opts, instance)
		})
	}
	err := group.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (r *Runner) loop(ctx context.Context, job Job, opts RunOptions, instance int) error {
	log := r.log.With("runner", opts.Name, "instance", instance)
	log.Debug("runner loop started")
	defer log.Debug("runner loop stopped")

	if opts.InitialDelay > 0 && !sleepContext(ctx, opts.InitialDelay) {
		return nil
	}

	for iteration := 0; opts.IterationLimit == 0 || iteration < opts.IterationLimit; iteration++ {
		if ctx.Err() != nil {
			return nil
		}
		if opts.Continue != nil {
			proceed, err := opts.Continue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("runner continuation check failed", "error", err)
				return err
			}
			if !proceed {
				return nil
			}
		}

		passCtx := logger.ContextWithRunID(ctx, uuid.NewString())
		_, _ = r.runOnce(passCtx, job, opts.Name)

		if opts.Interval > 0 && !sleepContext(ctx, opts.Interval) {
			return nil
		}
	}
	return nil
}

// sleepContext waits for d and reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
