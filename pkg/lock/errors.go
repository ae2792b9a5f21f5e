package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid provider configuration.
	ErrValidation = errors.New("lock validation error")
	// ErrConflict classifies renew/release calls rejected because the lease is no longer owned.
	ErrConflict = errors.New("lock conflict")
	// ErrRetryable classifies transient provider failures.
	ErrRetryable = errors.New("lock retryable error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrNotInitialized classifies use of a nil or zero-value provider.
	ErrNotInitialized = errors.New("lock not initialized")
	// ErrClosed classifies operations on a closed provider.
	ErrClosed = errors.New("lock closed")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
