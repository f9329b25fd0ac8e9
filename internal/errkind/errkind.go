// Package errkind defines the stable error taxonomy shared by all
// components and mapped onto HTTP status codes at the transport layer.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kinds are stable across transports.
type Kind string

const (
	ProviderUnavailable Kind = "provider_unavailable"
	ProviderRateLimited Kind = "provider_rate_limited"
	InvalidResponse     Kind = "invalid_response"
	InvalidRequest      Kind = "invalid_request"
	ContextOverflow     Kind = "context_overflow"
	UnstructuredOutput  Kind = "unstructured_output"
	StoreUnavailable    Kind = "store_unavailable"
	IndexUnavailable    Kind = "index_unavailable"
	NotFound            Kind = "not_found"
	SessionBusy         Kind = "session_busy"
	BusyRetry           Kind = "busy_retry"
	DeadlineExceeded    Kind = "deadline_exceeded"
	Cancelled           Kind = "cancelled"
	Internal            Kind = "internal"
)

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Context cancellation and
// deadline errors map to Cancelled / DeadlineExceeded even when unwrapped.
// Anything unrecognized is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
