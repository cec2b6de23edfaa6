package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Configuration error codes. These are fatal at load time and never retried.
const (
	ErrConfiguration   ErrorCode = "CONFIGURATION"
	ErrDuplicateAgent  ErrorCode = "DUPLICATE_AGENT"
	ErrUnknownAgent    ErrorCode = "UNKNOWN_AGENT"
	ErrDependencyCycle ErrorCode = "DEPENDENCY_CYCLE"
)

// Execution error codes.
const (
	ErrValidation       ErrorCode = "VALIDATION"
	ErrProvider         ErrorCode = "PROVIDER"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrApprovalTimeout  ErrorCode = "APPROVAL_TIMEOUT"
	ErrApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrReviewRejected   ErrorCode = "REVIEW_REJECTED"
	ErrDependencyFailed ErrorCode = "DEPENDENCY_FAILED"
	ErrWorkflowAborted  ErrorCode = "WORKFLOW_ABORTED"
	ErrWorkflowTimeout  ErrorCode = "WORKFLOW_TIMEOUT"
	ErrInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StageID   string    `json:"stage_id,omitempty"`
	Retryable bool      `json:"retryable"`
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
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStage attaches the stage id the error occurred in.
func (e *Error) WithStage(stageID string) *Error {
	e.StageID = stageID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// defaultRetryable returns the default retryability for a code.
// Configuration errors are never retried; circuit-open, approval and
// dependency failures are terminal for the current attempt loop.
func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrValidation, ErrProvider:
		return true
	default:
		return false
	}
}

// AsError unwraps err to a structured *Error if one is in its chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable. Untyped errors are treated
// as retryable, matching the provider black-box assumption.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return err != nil
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
