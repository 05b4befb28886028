// Package apperr is the error taxonomy shared by the services. Handlers map a Kind to an
// HTTP status; the confirmation saga uses it to tell retryable failures from final ones.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInternal            Kind = "internal"
	KindValidation          Kind = "validation"
	KindConflict            Kind = "conflict"
	KindNotFound            Kind = "not_found"
	KindUnauthenticated     Kind = "unauthenticated"
	KindAuthorization       Kind = "authorization"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInvalidState        Kind = "invalid_state"
	KindRateLimited         Kind = "rate_limited"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func Conflict(format string, args ...any) *Error   { return New(KindConflict, format, args...) }
func NotFound(format string, args ...any) *Error   { return New(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) *Error  { return New(KindAuthorization, format, args...) }
func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}
func Unauthenticated(format string, args ...any) *Error {
	return New(KindUnauthenticated, format, args...)
}
func RateLimited(format string, args ...any) *Error {
	return New(KindRateLimited, format, args...)
}
func Upstream(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-safe message. Internal errors never leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
