// Package apperrors defines the coordination engine's error taxonomy.
// Errors carry a machine-readable code so the gateway can map them to
// wire-level ERROR payloads and HTTP statuses without string matching.
package apperrors

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeNotFound means the referenced session, bundle, or player is unknown.
	CodeNotFound Code = "NOT_FOUND"
	// CodeForbidden means the caller's role lacks privilege for the command.
	CodeForbidden Code = "FORBIDDEN"
	// CodeInvalidTransition means a state-machine rule rejected the command.
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	// CodeValidation means the payload was malformed or inconsistent.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodePartialFailure means a bulk operation completed with member errors.
	// It is a terminal success state with an attached error list, not a
	// fatal condition.
	CodePartialFailure Code = "PARTIAL_FAILURE"
	// CodeInternal covers unexpected failures.
	CodeInternal Code = "INTERNAL"
)

// Error is the domain error type with a structured code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to the status used by the REST endpoints.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidTransition:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodePartialFailure:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
