package connector

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorClass determines how the queue processor handles a connector failure.
type ErrorClass string

const (
	// ClassRetryable covers network timeouts, 5xx, and connection errors.
	// Governed by backoff.
	ClassRetryable ErrorClass = "retryable"

	// ClassRateLimited is a 429. Retryable, but carries the server's retry
	// hint which overrides computed backoff when larger.
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassAuthExpired is a 401. Triggers one inline credential refresh and
	// a single immediate retry before escalating to fatal.
	ClassAuthExpired ErrorClass = "auth_expired"

	// ClassNonRetryable covers 400, 404, 422 and pre-flight validation
	// failures. The item dies immediately without spending retry budget.
	ClassNonRetryable ErrorClass = "non_retryable"

	// ClassConflict is a 409 or a locally detected dual edit. Routed to the
	// conflict resolver, never treated as a plain failure.
	ClassConflict ErrorClass = "conflict"

	// ClassFatal halts all processing for the tenant and platform until an
	// operator intervenes.
	ClassFatal ErrorClass = "fatal"
)

// Error is a classified connector failure.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("connector error (%s, status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("connector error (%s): %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified connector error
func NewError(class ErrorClass, message string) *Error {
	return &Error{Class: class, Message: message}
}

// NewValidationError creates a non-retryable error for a pre-flight
// validation failure.
func NewValidationError(message string) *Error {
	return &Error{Class: ClassNonRetryable, Message: message}
}

// WrapTransport wraps a transport-level failure (timeout, refused connection)
// as retryable.
func WrapTransport(err error) *Error {
	return &Error{Class: ClassRetryable, Message: err.Error(), Err: err}
}

// ClassifyStatus maps an HTTP status code to an error class. retryAfter is
// the parsed Retry-After hint when the remote provided one.
func ClassifyStatus(statusCode int, message string, retryAfter time.Duration) *Error {
	e := &Error{
		StatusCode: statusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
	case statusCode == http.StatusUnauthorized:
		e.Class = ClassAuthExpired
	case statusCode == http.StatusForbidden:
		e.Class = ClassFatal
	case statusCode == http.StatusConflict:
		e.Class = ClassConflict
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusNotFound,
		statusCode == http.StatusUnprocessableEntity:
		e.Class = ClassNonRetryable
	case statusCode >= 500:
		e.Class = ClassRetryable
	default:
		e.Class = ClassNonRetryable
	}

	return e
}

// ClassOf extracts the error class, defaulting to retryable for unclassified
// errors (transport failures that never produced a response).
func ClassOf(err error) ErrorClass {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassRetryable
}

// RetryAfterOf extracts the server retry hint, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
