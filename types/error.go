package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the numeric code carried in the error member of a
// response envelope.
type ErrorCode int

// Protocol error codes.
const (
	ErrParse          ErrorCode = -32700
	ErrInvalidRequest ErrorCode = -32600
	ErrMethodNotFound ErrorCode = -32601
	ErrInvalidParams  ErrorCode = -32602
	ErrInternal       ErrorCode = -32603
)

// Security error codes.
const (
	ErrAuthentication ErrorCode = -32401
	ErrAuthorization  ErrorCode = -32403
	ErrRateLimited    ErrorCode = -32429
)

// String returns a stable name for the code, used as a metrics label.
func (c ErrorCode) String() string {
	switch c {
	case ErrParse:
		return "parse_error"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrMethodNotFound:
		return "method_not_found"
	case ErrInvalidParams:
		return "invalid_params"
	case ErrInternal:
		return "internal_error"
	case ErrAuthentication:
		return "authentication_failed"
	case ErrAuthorization:
		return "authorization_failed"
	case ErrRateLimited:
		return "rate_limited"
	case 0:
		return "ok"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// HTTPStatus maps the code onto the status written with it.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrParse, ErrInvalidRequest, ErrInvalidParams:
		return http.StatusBadRequest
	case ErrMethodNotFound:
		return http.StatusNotFound
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrAuthorization:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Data       any       `json:"data,omitempty"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"-"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message. The HTTP
// status defaults to the one associated with the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: code.HTTPStatus()}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithData attaches client-visible detail.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewParseError reports an unparseable or oversized body.
func NewParseError(message string) *Error {
	return NewError(ErrParse, message)
}

// NewInvalidRequestError reports a structurally invalid envelope.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message)
}

// NewAuthenticationError reports a missing or rejected credential.
func NewAuthenticationError(message string) *Error {
	return NewError(ErrAuthentication, message)
}

// NewAuthorizationError reports a valid credential lacking permission.
func NewAuthorizationError(message string) *Error {
	return NewError(ErrAuthorization, message)
}

// NewRateLimitError reports a request rejected by the rate limiter.
func NewRateLimitError(message string) *Error {
	return NewError(ErrRateLimited, message).WithRetryable(true)
}

// NewInternalError wraps cause behind a generic message. The cause is
// never serialized.
func NewInternalError(cause error) *Error {
	return NewError(ErrInternal, "internal error").WithCause(cause)
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether err carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return 0
}
