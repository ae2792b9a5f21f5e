package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	behaviourSuccess = iota
	behaviourFailure
	behaviourCancelled
	behaviourError
	behaviourPanic
)

func processorFor(behaviour int) Processor[string] {
	return ProcessorFunc[string](func(context.Context, *EntryContext[string]) (Result, error) {
		switch behaviour {
		case behaviourSuccess:
			return Success(), nil
		case behaviourFailure:
			return FailureWithMessage("rejected"), nil
		case behaviourCancelled:
			return Cancelled(), nil
		case behaviourError:
			return Result{}, errors.New("processor error")
		default:
			panic("processor panic")
		}
	})
}

func TestProperty_AutoResolutionIsExclusiveAndFaultSafe(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one resolution per entry and one lock release per pass", prop.ForAll(
		func(behaviours []int) bool {
			values := make([]string, len(behaviours))
			for idx := range values {
				values[idx] = "value"
			}
			q := newFakeQueue(values...)
			acquirer := &countingAcquirer{}

			for idx, behaviour := range behaviours {
				job, err := NewQueueJob(q, processorFor(behaviour), nopLogger, QueueJobConfig[string]{LockAcquirer: acquirer})
				if err != nil {
					return false
				}
				result, runErr := job.Run(context.Background())

				completed, abandoned := q.counts(entryID(idx + 1))
				if completed+abandoned != 1 {
					return false
				}
				switch behaviour {
				case behaviourSuccess:
					if completed != 1 || runErr != nil || !result.IsSuccess() {
						return false
					}
				case behaviourFailure, behaviourCancelled:
					if abandoned != 1 || runErr != nil || result.IsSuccess() {
						return false
					}
				default:
					if abandoned != 1 || !errors.Is(runErr, ErrProcessingFault) || !result.IsFailure() {
						return false
					}
				}
				if acquirer.handles[idx].releases.Load() != 1 {
					return false
				}
			}
			stats, _ := q.Stats(context.Background())
			return stats.Queued == 0 && stats.Working == 0
		},
		gen.SliceOf(gen.IntRange(behaviourSuccess, behaviourPanic)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
