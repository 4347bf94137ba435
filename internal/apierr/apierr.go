// Package apierr defines the hub's typed error taxonomy and its mapping to
// the wire-level {code, message, details, timestamp} representation and to
// HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error category on the wire.
type Code string

const (
	InvalidMessage      Code = "invalid_message"
	DeviceNotFound      Code = "device_not_found"
	ConnectionFailed    Code = "connection_failed"
	ConnectionTimeout   Code = "connection_timeout"
	RateLimitExceeded   Code = "rate_limit_exceeded"
	ResourceUnavailable Code = "resource_unavailable"
	MaxRetriesExceeded  Code = "max_retries_exceeded"
	TTLExpired          Code = "ttl_expired"
	InvalidState        Code = "invalid_state"
	InternalError       Code = "internal_error"
)

// httpStatus maps each category to the REST status spec.md §7 specifies.
var httpStatus = map[Code]int{
	InvalidMessage:      http.StatusBadRequest,
	DeviceNotFound:      http.StatusNotFound,
	ConnectionFailed:    http.StatusBadGateway,
	ConnectionTimeout:   http.StatusGatewayTimeout,
	RateLimitExceeded:   http.StatusTooManyRequests,
	ResourceUnavailable: http.StatusServiceUnavailable,
	MaxRetriesExceeded:  http.StatusConflict,
	TTLExpired:          http.StatusGone,
	InvalidState:        http.StatusConflict,
	InternalError:       http.StatusInternalServerError,
}

// Error is the typed, wire-ready representation of a hub failure.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the REST status code for the error's category.
func (e *Error) HTTPStatus() int {
	return HTTPStatus(e.Code)
}

// HTTPStatus maps a category identifier directly to an HTTP status.
func HTTPStatus(code Code) int {
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds an error of the given category.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// Newf builds an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithDetails attaches structured context to an error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As reports whether err is (or wraps) an *Error, writing it into target.
// Delegates to errors.As so an *Error buried behind fmt.Errorf("...: %w", ...)
// wrapping is still found.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
