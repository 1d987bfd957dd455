package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the agent core.
type ErrorCode string

// Coordination error codes
const (
	ErrLockContended    ErrorCode = "LOCK_CONTENDED"
	ErrLockNotHeld      ErrorCode = "LOCK_NOT_HELD"
	ErrBudgetExhausted  ErrorCode = "BUDGET_EXHAUSTED"
	ErrCycleInactive    ErrorCode = "CYCLE_INACTIVE"
	ErrDepthExceeded    ErrorCode = "DEPTH_EXCEEDED"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// LLM error codes
const (
	ErrAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"
	ErrInvalidResponse    ErrorCode = "INVALID_RESPONSE"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
)

// Tool error codes
const (
	ErrToolNotFound           ErrorCode = "TOOL_NOT_FOUND"
	ErrToolMalformedArgs      ErrorCode = "TOOL_MALFORMED_ARGS"
	ErrToolRateLimited        ErrorCode = "TOOL_RATE_LIMITED"
	ErrToolInsufficientCredit ErrorCode = "TOOL_INSUFFICIENT_CREDIT"
	ErrToolExecution          ErrorCode = "TOOL_EXECUTION"
	ErrToolPanic              ErrorCode = "TOOL_PANIC"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	AgentID   string    `json:"agent_id,omitempty"`
	Cause     error     `json:"-"`
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgent sets the agent the error belongs to.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsRetryable checks if an error (or anything it wraps) is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
