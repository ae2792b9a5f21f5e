package jobs

import (
	"context"
	"errors"
)

// ResultKind tags the outcome of a processor call or loop pass.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultFailure
	ResultCancelled
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is an immutable outcome with an optional message and cause.
type Result struct {
	kind    ResultKind
	message string
	err     error
}

func Success() Result {
	return Result{kind: ResultSuccess}
}

func SuccessWithMessage(message string) Result {
	return Result{kind: ResultSuccess, message: message}
}

// Failure returns a failed result; the message defaults to err's text.
func Failure(err error) Result {
	r := Result{kind: ResultFailure, err: err}
	if err != nil {
		r.message = err.Error()
	}
	return r
}

func FailureWithMessage(message string) Result {
	return Result{kind: ResultFailure, message: message}
}

func Cancelled() Result {
	return Result{kind: ResultCancelled}
}

func CancelledWithMessage(message string) Result {
	return Result{kind: ResultCancelled, message: message}
}

// FromError maps nil to Success, context.Canceled to Cancelled and anything else to Failure.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Success()
	case errors.Is(err, context.Canceled):
		return Result{kind: ResultCancelled, message: err.Error(), err: err}
	default:
		return Failure(err)
	}
}

func (r Result) Kind() ResultKind  { return r.kind }
func (r Result) IsSuccess() bool   { return r.kind == ResultSuccess }
func (r Result) IsFailure() bool   { return r.kind == ResultFailure }
func (r Result) IsCancelled() bool { return r.kind == ResultCancelled }
func (r Result) Message() string   { return r.message }
func (r Result) Err() error        { return r.err }

func (r Result) String() string {
	if r.message == "" {
		return r.kind.String()
	}
	return r.kind.String() + ": " + r.message
}
