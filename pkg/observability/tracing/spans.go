// Package tracing provides OpenTelemetry spans for queue passes, entry resolution and lock calls.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	SpanOperationMsgReceive  SpanOperation = "messaging.receive"
	SpanOperationMsgProcess  SpanOperation = "messaging.process"
	SpanOperationMsgSettle   SpanOperation = "messaging.settle"
	SpanOperationLockAcquire SpanOperation = "lock.acquire"
	SpanOperationLockRelease SpanOperation = "lock.release"
)

// StartMessagingSpan creates a span for a queue operation.
// Receive and process spans are consumer spans, everything else is a client span.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("queuejob/messaging")

	spanOpts := &messagingSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("messaging.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("MSG %s", operation)
	if spanOpts.destination != "" {
		spanName = fmt.Sprintf("MSG %s %s", operation, spanOpts.destination)
	}

	spanKind := trace.SpanKindClient
	if operation == SpanOperationMsgReceive || operation == SpanOperationMsgProcess {
		spanKind = trace.SpanKindConsumer
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(spanKind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*messagingSpanOptions)

type messagingSpanOptions struct {
	destination string
	attributes  []attribute.KeyValue
}

// WithMessagingSystem sets the queue backend (e.g. "redis", "sqs").
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.system", system))
	}
}

// WithMessagingDestination sets the queue name.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.destination = destination
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination", destination))
	}
}

func WithMessagingMessageID(messageID string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.message_id", messageID))
	}
}

// WithJobName tags the span with the processing job name.
func WithJobName(name string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("queuejob.name", name))
	}
}

// StartLockSpan creates a client span for a lock provider call.
func StartLockSpan(ctx context.Context, operation SpanOperation, provider, key string) (context.Context, trace.Span) {
	tracer := otel.Tracer("queuejob/lock")
	ctx, span := tracer.Start(ctx, fmt.Sprintf("LOCK %s", operation), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("lock.operation", string(operation)),
		attribute.String("lock.provider", provider),
		attribute.String("lock.key", key),
	)
	return ctx, span
}

// RecordError records err on span and marks the span as failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
