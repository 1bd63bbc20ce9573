package types

import "fmt"

// ErrorCode represents a unified error code across the federation layer.
type ErrorCode string

// Authentication and authorization error codes.
const (
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrTokenExpired   ErrorCode = "TOKEN_EXPIRED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
)

// Federation error codes.
const (
	ErrNoCapacity    ErrorCode = "NO_CAPACITY"
	ErrNodeFailure   ErrorCode = "NODE_FAILURE"
	ErrNodeTimeout   ErrorCode = "NODE_TIMEOUT"
	ErrCircuitOpen   ErrorCode = "CIRCUIT_OPEN"
	ErrProtocolError ErrorCode = "PROTOCOL_ERROR"
)

// General error codes.
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrConfiguration  ErrorCode = "CONFIGURATION"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	NodeSlug   string    `json:"node_slug,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
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

// WithNode attaches the slug of the node the error originated from.
func (e *Error) WithNode(slug string) *Error {
	e.NodeSlug = slug
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
