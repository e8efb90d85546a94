// Package colonyerr defines the typed error taxonomy shared by every core
// component (store, task graph, messaging, orchestrator, compression).
package colonyerr

import (
	"errors"
	"fmt"
)

// Kind is one of the normative error kinds this runtime classifies
// errors into. Callers switch on Kind, never on error strings.
type Kind string

const (
	InvalidInput      Kind = "INVALID_INPUT"
	InvalidState      Kind = "INVALID_STATE"
	NotFound          Kind = "NOT_FOUND"
	CycleDetected     Kind = "CYCLE_DETECTED"
	ConstraintViolate Kind = "CONSTRAINT_VIOLATION"
	TransportFailure  Kind = "TRANSPORT_FAILURE"
	SendExhausted     Kind = "SEND_EXHAUSTED"
	InferenceFailure  Kind = "INFERENCE_FAILURE"
	BudgetExceeded    Kind = "BUDGET_EXCEEDED"
	Timeout           Kind = "TIMEOUT"
	Aborted           Kind = "ABORTED"
)

// Error wraps an underlying cause with a Kind and the operation that
// raised it, so callers can recover structured context with errors.As
// while %w-wrapping still prints a readable chain.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for op failing with kind, optionally wrapping err.
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
