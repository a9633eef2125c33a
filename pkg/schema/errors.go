package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeResolution        = "RESOLUTION_ERROR"
	ErrCodeProvider          = "PROVIDER_ERROR"
	ErrCodeCorrelationMiss   = "CORRELATION_MISS"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// FloeError is the structured error type for all Floe operations.
type FloeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FloeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FloeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FloeError.
func NewError(code, message string) *FloeError {
	return &FloeError{Code: code, Message: message}
}

// NewErrorf creates a new FloeError with a formatted message.
func NewErrorf(code, format string, args ...any) *FloeError {
	return &FloeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FloeError) WithNode(nodeID string) *FloeError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FloeError) WithCause(err error) *FloeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FloeError) WithDetails(details map[string]any) *FloeError {
	e.Details = details
	return e
}

// ErrorCode extracts the structured code from err, or EXECUTION_ERROR when
// err carries no FloeError in its chain.
func ErrorCode(err error) string {
	var fe *FloeError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeExecution
}

// IsSoftFailure reports whether err is a failure class that legacy mode
// degrades to a skipped node. Provider rejections, missing configuration,
// unresolved templates, and confirmation timeouts are soft; anything else
// keeps the failed status on the node run. Under legacy the run continues
// either way; under strict every failure is fatal.
func IsSoftFailure(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeConfiguration, ErrCodeResolution, ErrCodeProvider, ErrCodeTimeout:
		return true
	}
	return false
}
