package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeGuardRejected     = "GUARD_REJECTED"
	ErrCodeCapabilityMissing = "CAPABILITY_MISSING"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeModel             = "MODEL_ERROR"
	ErrCodePlanningFailed    = "PLANNING_FAILED"
	ErrCodeToolFailed        = "TOOL_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"

	// Definition validation codes.
	ErrCodeUnknownState     = "UNKNOWN_STATE"
	ErrCodeUnknownAction    = "UNKNOWN_ACTION"
	ErrCodeDeadEndState     = "DEAD_END_STATE"
	ErrCodeUnreachableState = "UNREACHABLE_STATE"
	ErrCodeInvalidGuard     = "INVALID_GUARD"
)

// CrewError is the structured error type for all crew operations.
type CrewError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *CrewError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("[%s] instance %s: %s", e.Code, e.InstanceID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CrewError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CrewError.
func NewError(code, message string) *CrewError {
	return &CrewError{Code: code, Message: message}
}

// NewErrorf creates a new CrewError with a formatted message.
func NewErrorf(code, format string, args ...any) *CrewError {
	return &CrewError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithInstance attaches a workflow instance ID to the error.
func (e *CrewError) WithInstance(instanceID string) *CrewError {
	e.InstanceID = instanceID
	return e
}

// WithCause attaches an underlying cause.
func (e *CrewError) WithCause(err error) *CrewError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CrewError) WithDetails(details map[string]any) *CrewError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a CrewError with the given code.
func IsCode(err error, code string) bool {
	var ce *CrewError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}

// IsNotFound is shorthand for IsCode(err, ErrCodeNotFound).
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}
