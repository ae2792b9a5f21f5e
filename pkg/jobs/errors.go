package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrDequeue classifies queue failures while waiting for an entry.
	ErrDequeue = errors.New("jobs dequeue error")
	// ErrLockAcquire classifies lock infrastructure failures (not contention).
	ErrLockAcquire = errors.New("jobs lock acquire error")
	// ErrProcessingFault classifies errors and panics raised by a processor.
	ErrProcessingFault = errors.New("jobs processing fault")
	// ErrResolution classifies failures completing or abandoning an entry.
	ErrResolution = errors.New("jobs resolution error")
	// ErrValidation classifies input/config validation failures.
	ErrValidation = errors.New("jobs validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrNotInitialized classifies missing job or runner initialization.
	ErrNotInitialized = errors.New("jobs not initialized")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
