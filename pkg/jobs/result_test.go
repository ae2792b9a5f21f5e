package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestResultConstructors(t *testing.T) {
	cause := errors.New("bad input")
	tests := []struct {
		name    string
		result  Result
		kind    ResultKind
		message string
		text    string
	}{
		{name: "success", result: Success(), kind: ResultSuccess, text: "success"},
		{name: "success with message", result: SuccessWithMessage("skipped"), kind: ResultSuccess, message: "skipped", text: "success: skipped"},
		{name: "failure", result: Failure(cause), kind: ResultFailure, message: "bad input", text: "failure: bad input"},
		{name: "failure with message", result: FailureWithMessage("nope"), kind: ResultFailure, message: "nope", text: "failure: nope"},
		{name: "cancelled", result: Cancelled(), kind: ResultCancelled, text: "cancelled"},
		{name: "cancelled with message", result: CancelledWithMessage("shutdown"), kind: ResultCancelled, message: "shutdown", text: "cancelled: shutdown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.result.Kind() != tt.kind || tt.result.Message() != tt.message || tt.result.String() != tt.text {
				t.Fatalf("unexpected result kind=%s message=%q string=%q", tt.result.Kind(), tt.result.Message(), tt.result.String())
			}
		})
	}

	if !errors.Is(Failure(cause).Err(), cause) {
		t.Fatal("failure must keep its cause")
	}
	var zero Result
	if !zero.IsSuccess() {
		t.Fatal("zero result is a success")
	}
}

func TestFromError(t *testing.T) {
	if !FromError(nil).IsSuccess() {
		t.Fatal("nil error must map to success")
	}
	if r := FromError(fmt.Errorf("stopping: %w", context.Canceled)); !r.IsCancelled() || !errors.Is(r.Err(), context.Canceled) {
		t.Fatalf("expected cancelled, got %s", r)
	}
	if r := FromError(context.DeadlineExceeded); !r.IsFailure() {
		t.Fatalf("deadline exceeded is a failure, got %s", r)
	}
}
