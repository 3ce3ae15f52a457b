package completion

import (
	"context"
	"encoding/json"
	"strings"
)

// Request is one structured completion call.
type Request struct {
	// Name identifies the contract, e.g. "schema_response".
	Name   string
	System string
	User   string

	Contract *Shape
}

// Caller sends a request to a language model and returns the raw JSON
// document that satisfies req.Contract.
type Caller interface {
	Call(ctx context.Context, req Request) (json.RawMessage, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f CallerFunc) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// RefusalError is returned when the model explicitly declines to answer.
// It is a content-policy outcome, not a transient fault.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return "model refused the request"
	}
	return "model refused the request: " + strings.TrimSpace(e.Reason)
}

// TransientError marks an error as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
