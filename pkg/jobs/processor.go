package jobs

import (
	"context"

	"github.com/nimburion/queuejob/pkg/lock"
	"github.com/nimburion/queuejob/pkg/queue"
)

// EntryContext bundles what a processor needs for one dequeued entry.
// It is owned by a single pass and must not be retained.
type EntryContext[T any] struct {
	Entry   *queue.Entry[T]
	Lock    lock.Handle
	JobName string
	RunID   string
}

// Processor handles one entry. With ResolutionAuto it must not resolve the
// entry; with ResolutionManual it must call Entry.Complete or Entry.Abandon.
// A returned error is treated as a processing fault.
type Processor[T any] interface {
	Process(ctx context.Context, ec *EntryContext[T]) (Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, ec *EntryContext[T]) (Result, error)

func (f ProcessorFunc[T]) Process(ctx context.Context, ec *EntryContext[T]) (Result, error) {
	return f(ctx, ec)
}
