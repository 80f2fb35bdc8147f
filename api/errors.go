// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for mediagrid.

package api

import "fmt"

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeConfiguration
	ErrCodeResourceExhausted
	ErrCodePoolSaturated
	ErrCodeContextClosed
	ErrCodeNotStarted
	ErrCodeNotConfigured
	ErrCodeAlreadyStarted
	ErrCodeNotFound
	ErrCodeLeaseClosed
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeConfiguration:
		return "configuration"
	case ErrCodeResourceExhausted:
		return "resource_exhausted"
	case ErrCodePoolSaturated:
		return "pool_saturated"
	case ErrCodeContextClosed:
		return "context_closed"
	case ErrCodeNotStarted:
		return "not_started"
	case ErrCodeNotConfigured:
		return "not_configured"
	case ErrCodeAlreadyStarted:
		return "already_started"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeLeaseClosed:
		return "lease_closed"
	default:
		return "internal"
	}
}

// Sentinel errors. Match with errors.Is; any *Error carrying the same code matches.
var (
	ErrInvalidArgument   = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrConfiguration     = NewError(ErrCodeConfiguration, "invalid configuration")
	ErrResourceExhausted = NewError(ErrCodeResourceExhausted, "resource exhausted")
	ErrPoolSaturated     = NewError(ErrCodePoolSaturated, "segment pool saturated")
	ErrContextClosed     = NewError(ErrCodeContextClosed, "execution context is closed")
	ErrNotStarted        = NewError(ErrCodeNotStarted, "not started")
	ErrNotConfigured     = NewError(ErrCodeNotConfigured, "coordinator is not configured")
	ErrAlreadyStarted    = NewError(ErrCodeAlreadyStarted, "already started")
	ErrSlotOutOfRange    = NewError(ErrCodeNotFound, "slot index out of range")
	ErrLeaseClosed       = NewError(ErrCodeLeaseClosed, "segment lease is closed")
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithContext returns a copy of the error with an extra context entry.
// Sentinels stay untouched.
func (e *Error) WithContext(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// Wrap returns a copy of the error carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Configurationf builds a configuration error with a formatted message.
func Configurationf(format string, args ...any) *Error {
	return NewError(ErrCodeConfiguration, "invalid configuration: "+fmt.Sprintf(format, args...))
}
