package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for retry and transport decisions.
type Code string

const (
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeInternal     Code = "INTERNAL"

	// ErrCodeUnavailable marks transient external failures (5xx, transport,
	// timeout). Callers may retry these.
	ErrCodeUnavailable Code = "UNAVAILABLE"

	// ErrCodePermanent marks external failures that retrying cannot fix
	// (4xx other than 429, chain reverts, receipt status 0).
	ErrCodePermanent Code = "EXTERNAL_PERMANENT"

	// ErrCodeNoSigner is raised when a state-changing chain operation runs
	// without a configured signing account.
	ErrCodeNoSigner Code = "NO_SIGNER"
)

// Error is a coded error with an optional wrapped cause.
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

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", entity, id)
}

// InvalidInput reports a rejected field.
func InvalidInput(field, reason string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, reason)
}

// CodeOf returns the code of err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeUnavailable
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
