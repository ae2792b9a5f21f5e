package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestStartMessagingSpan(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartMessagingSpan(context.Background(), SpanOperationMsgProcess,
		WithMessagingSystem("redis"),
		WithMessagingDestination("billing"),
		WithMessagingMessageID("42"),
		WithJobName("invoice"),
	)
	RecordSuccess(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	got := ended[0]
	if got.Name() != "MSG messaging.process billing" {
		t.Fatalf("unexpected span name %q", got.Name())
	}
	if got.SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("expected consumer span, got %v", got.SpanKind())
	}
	attrs := attrMap(got.Attributes())
	for key, want := range map[string]string{
		"messaging.system":      "redis",
		"messaging.destination": "billing",
		"messaging.message_id":  "42",
		"queuejob.name":         "invoice",
	} {
		if attrs[key] != want {
			t.Fatalf("attribute %s = %q, want %q", key, attrs[key], want)
		}
	}
	if got.Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", got.Status())
	}
}

func TestStartLockSpanRecordsError(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartLockSpan(context.Background(), SpanOperationLockAcquire, "redis", "entry:1")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].SpanKind() != trace.SpanKindClient {
		t.Fatalf("expected client span, got %v", ended[0].SpanKind())
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "boom" {
		t.Fatalf("unexpected status %+v", ended[0].Status())
	}
	if attrMap(ended[0].Attributes())["lock.key"] != "entry:1" {
		t.Fatalf("missing lock.key attribute")
	}
}
