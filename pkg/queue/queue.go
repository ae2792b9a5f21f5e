// Package queue defines the work queue contract consumed by job runners and
// ships memory, Redis, SQS and RabbitMQ implementations of it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts is the number of deliveries before an abandoned entry is dead-lettered.
	DefaultMaxAttempts = 3
	// DefaultWorkItemTimeout is how long a dequeued entry may stay unresolved
	// before the backend makes it visible again.
	DefaultWorkItemTimeout = 5 * time.Minute
	// DefaultPollInterval is the idle wait between polls of backends without blocking receives.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultOperationTimeout bounds single backend round trips.
	DefaultOperationTimeout = 5 * time.Second
)

// Queue is a work queue of T values.
type Queue[T any] interface {
	Name() string
	Enqueue(ctx context.Context, value T) (string, error)
	// Dequeue waits for the next entry. It returns (nil, nil) when ctx ends
	// before an entry becomes available.
	Dequeue(ctx context.Context) (*Entry[T], error)
	Stats(ctx context.Context) (Stats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Stats is a point-in-time snapshot of queue counters. Queued and Working are
// current depths; the rest are cumulative where the backend tracks them.
type Stats struct {
	Queued     int64 `json:"queued" yaml:"queued"`
	Working    int64 `json:"working" yaml:"working"`
	Deadletter int64 `json:"deadletter" yaml:"deadletter"`
	Enqueued   int64 `json:"enqueued" yaml:"enqueued"`
	Dequeued   int64 `json:"dequeued" yaml:"dequeued"`
	Completed  int64 `json:"completed" yaml:"completed"`
	Abandoned  int64 `json:"abandoned" yaml:"abandoned"`
	Errors     int64 `json:"errors" yaml:"errors"`
	Timeouts   int64 `json:"timeouts" yaml:"timeouts"`
}

// Pending reports queued plus in-flight entries.
func (s Stats) Pending() int64 {
	return s.Queued + s.Working
}

// Codec encodes queue payloads for backends that store bytes.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes payloads with encoding/json.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCodec, err)
	}
	return data, nil
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("%w: decode: %v", ErrCodec, err)
	}
	return value, nil
}

func codecOrDefault[T any](codec Codec[T]) Codec[T] {
	if codec == nil {
		return JSONCodec[T]{}
	}
	return codec
}

func normalizeName(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// waitOrDone sleeps for d and reports false when ctx ended first.
func waitOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
