// Package errors provides code-tagged errors shared across the service.
// Every externally surfaced failure carries a stable machine-readable code
// plus a human-readable message; handlers map codes to transport statuses.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies the class of a failure.
type Code string

const (
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeExternal     Code = "EXTERNAL_SERVICE"
	// ErrCodeTokenReconnect means the stored ledger credentials can no longer
	// be refreshed and the user must re-authorize. Never retried.
	ErrCodeTokenReconnect Code = "TOKEN_RECONNECT"
	ErrCodeInternal       Code = "INTERNAL"
)

// Error is a code-tagged error, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving the cause chain.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that the identified resource does not exist.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, message)
}

// CodeOf returns the code carried by err, or ErrCodeInternal when err is not
// a code-tagged error.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
