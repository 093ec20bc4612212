// Package coordinatorerr defines the closed error taxonomy that every core
// operation returns instead of ad-hoc wrapped errors. The RPC adapter maps
// Kind to a JSON-RPC error code at the boundary; nothing inside the core
// ever inspects an error string to decide behavior.
package coordinatorerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories from the error
// handling design. It is a surface kind, not a type name.
type Kind string

const (
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	InvalidArgument    Kind = "invalid_argument"
	PreconditionFailed Kind = "precondition_failed"
	WorkerLaunchFailed Kind = "worker_launch_failed"
	WorkerDied         Kind = "worker_died"
	StoreUnavailable   Kind = "store_unavailable"
	Lagged             Kind = "lagged"
	Internal           Kind = "internal"
)

// Error is the concrete error type returned by every core operation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets two *Error values with equal Kind compare equal regardless of
// Message, e.g. errors.Is(err, coordinatorerr.New(coordinatorerr.NotFound, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return newf(NotFound, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newf(Conflict, format, args...)
}

func InvalidArgumentf(format string, args ...any) *Error {
	return newf(InvalidArgument, format, args...)
}

func PreconditionFailedf(format string, args ...any) *Error {
	return newf(PreconditionFailed, format, args...)
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, falling
// back to Internal for anything else — the boundary between "we classified
// this" and "something unexpected happened."
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
