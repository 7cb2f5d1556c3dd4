package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatSetup        ErrorCategory = "setup"        // Channel bind failure, duplicate start
	ErrCatRegistration ErrorCategory = "registration" // Invalid pid, unopenable handle
	ErrCatCollection   ErrorCategory = "collection"   // Diagnostic probe failed or timed out
	ErrCatState        ErrorCategory = "state"        // Operation invalid in current state
	ErrCatIPC          ErrorCategory = "ipc"          // Malformed or unexpected wire message
	ErrCatTimeout      ErrorCategory = "timeout"      // Operation timed out
	ErrCatNotFound     ErrorCategory = "not_found"    // Resource not found
	ErrCatInternal     ErrorCategory = "internal"     // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrSetup creates a setup error.
func ErrSetup(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatSetup,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrRegistration creates a registration error.
func ErrRegistration(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRegistration,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrCollection creates a collection error.
func ErrCollection(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCollection,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrIPC creates a protocol error.
func ErrIPC(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatIPC,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeAlreadyStarted   = "ALREADY_STARTED"
	CodeServerStopped    = "SERVER_STOPPED"
	CodeBindFailed       = "BIND_FAILED"
	CodeInvalidAddress   = "INVALID_ADDRESS"
	CodeNotStarted       = "NOT_STARTED"
	CodeClientBound      = "CLIENT_ALREADY_BOUND"
	CodeClientMismatch   = "CLIENT_MISMATCH"
	CodeInvalidPID       = "INVALID_PID"
	CodeProcessNotFound  = "PROCESS_NOT_FOUND"
	CodeHandleOpenFailed = "HANDLE_OPEN_FAILED"
	CodeDumpInProgress   = "DUMP_IN_PROGRESS"
	CodeNoClient         = "NO_CLIENT"
	CodeProbeFailed      = "PROBE_FAILED"
	CodeProbePanicked    = "PROBE_PANICKED"
	CodeTimeout          = "TIMEOUT"
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeNotRegistered    = "NOT_REGISTERED"
	CodeDumpFailed       = "DUMP_FAILED"
	CodeCallbackPanicked = "CALLBACK_PANICKED"
)
