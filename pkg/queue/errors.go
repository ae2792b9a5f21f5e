package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyResolved is returned when an entry is completed or abandoned a second time.
	ErrAlreadyResolved = errors.New("queue entry already resolved")
	// ErrLeaseLost classifies resolutions of entries the backend no longer considers in flight
	// (for example after a work item timeout requeued them).
	ErrLeaseLost = errors.New("queue entry lease lost")
	// ErrValidation classifies invalid configuration.
	ErrValidation = errors.New("queue validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("queue invalid argument")
	// ErrCodec classifies payload encode/decode failures.
	ErrCodec = errors.New("queue codec error")
	// ErrNotInitialized classifies use of a zero-value or nil queue.
	ErrNotInitialized = errors.New("queue not initialized")
	// ErrClosed classifies operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
