package corehttp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// TransportError reports a native or I/O failure while exchanging a request.
// Code carries the platform error code when the backend has one (zero
// otherwise) and Event names the completion the backend was waiting for.
type TransportError struct {
	Op    string
	Event string
	Code  int
	Err   error
}

func (e *TransportError) Error() string {
	msg := "transport: " + e.Op
	if e.Event != "" {
		msg += " (" + e.Event + ")"
	}
	if e.Code != 0 {
		msg += " code " + strconv.Itoa(e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// CancellationError reports that the context was cancelled, or its deadline
// passed, before or during an operation. It unwraps to the context error.
type CancellationError struct {
	Op  string
	Err error
}

func (e *CancellationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("cancelled: %v", e.Err)
	}
	return fmt.Sprintf("%s cancelled: %v", e.Op, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// RetryExhaustedError wraps the final failure once the retry policy gives up.
// StatusCode is set when the last attempt produced a retryable response
// rather than a transport error.
type RetryExhaustedError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *RetryExhaustedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retries exhausted after %d attempts: status %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// AuthenticationError reports malformed credential input to signing.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return "authentication: " + e.Reason + ": " + e.Err.Error()
	}
	return "authentication: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ProtocolViolationError reports a peer or caller breaking the wire protocol,
// such as an unknown frame kind or a close status that was not echoed.
type ProtocolViolationError struct {
	Reason   string
	Expected string
	Actual   string
}

func (e *ProtocolViolationError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return "protocol violation: " + e.Reason
	}
	return fmt.Sprintf("protocol violation: %s: expected %s, got %s", e.Reason, e.Expected, e.Actual)
}

// StateError reports an operation attempted outside the state it is valid in.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invalid in state %s", e.Op, e.State)
}

// Cancelled wraps ctx.Err() in a CancellationError for op. It returns nil
// when ctx is still live.
func Cancelled(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &CancellationError{Op: op, Err: err}
	}
	return nil
}

// IsRetryable reports whether err is a failure the retry policy recovers from.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
