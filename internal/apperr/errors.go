// Package apperr defines the error taxonomy shared by every component boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and HTTP mapping
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeStaleVersion        Code = "STALE_VERSION"
	CodeDimensionMismatch   Code = "DIMENSION_MISMATCH"
	CodeMissingEmbedding    Code = "MISSING_EMBEDDING"
	CodeSearchUnavailable   Code = "SEARCH_UNAVAILABLE"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is a structured error with code, message, and metadata.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Retryable  bool   `json:"retryable"`
	Provider   string `json:"provider,omitempty"`
	Cause      error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	e, ok := As(err)
	return ok && e.Code == code
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidTransition, CodeStaleVersion:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeDimensionMismatch, CodeMissingEmbedding:
		return http.StatusUnprocessableEntity
	case CodeSearchUnavailable, CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is what a client sees. Outages and internal failures never leak details.
func PublicMessage(err error) string {
	e, ok := As(err)
	if !ok {
		return "internal error"
	}
	switch e.Code {
	case CodeSearchUnavailable, CodeProviderUnavailable:
		return "service temporarily unavailable, please retry"
	case CodeInternal:
		return "internal error"
	default:
		return e.Message
	}
}
