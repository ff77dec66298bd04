// Package errs defines the error taxonomy shared by the delivery pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline reacts to it.
type Kind string

const (
	// Network errors are transient and retried with backoff.
	Network Kind = "network"
	// Authentication errors require a credential refresh.
	Authentication Kind = "authentication"
	// Storage errors mean durable persistence failed.
	Storage Kind = "storage"
	// OperationFailed means an operation exhausted its retries.
	OperationFailed Kind = "operation_failed"
	// Validation errors reject malformed operations at enqueue time.
	Validation Kind = "validation"
)

// Error is a classified error with optional operation context.
type Error struct {
	Kind        Kind
	Op          string
	OperationID string
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.OperationID != "" {
		msg += fmt.Sprintf(" (operation %s)", e.OperationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the name of the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
