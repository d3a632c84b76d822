// Package errors provides a structured error system for sessiond with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for sessiond operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Queue errors
	ErrCodeQueueCleared       ErrorCode = "QUEUE_CLEARED"
	ErrCodeHandlerFailed      ErrorCode = "HANDLER_FAILED"
	ErrCodeHandlerPanic       ErrorCode = "HANDLER_PANIC"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Connection errors
	ErrCodeAlreadyConnecting  ErrorCode = "ALREADY_CONNECTING"
	ErrCodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionClosed   ErrorCode = "CONNECTION_CLOSED"
	ErrCodeSessionSuperseded  ErrorCode = "SESSION_SUPERSEDED"
	ErrCodeAccessDenied       ErrorCode = "ACCESS_DENIED"
	ErrCodeCredentialsInvalid ErrorCode = "CREDENTIALS_INVALID"
	ErrCodeRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"

	// Resource errors
	ErrCodeOutOfMemory       ErrorCode = "OUT_OF_MEMORY"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// Cache errors
	ErrCodeSerialization ErrorCode = "SERIALIZATION_FAILED"
	ErrCodePoolNotFound  ErrorCode = "POOL_NOT_FOUND"

	// Store errors
	ErrCodeStoreClosed ErrorCode = "STORE_CLOSED"
	ErrCodeStoreFailed ErrorCode = "STORE_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryQueue         ErrorCategory = "queue"
	CategoryConnection    ErrorCategory = "connection"
	CategoryResource      ErrorCategory = "resource"
	CategoryCache         ErrorCategory = "cache"
	CategoryStore         ErrorCategory = "store"
	CategoryInternal      ErrorCategory = "internal"
)

// SessionError represents a structured error with context and metadata.
type SessionError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *SessionError) Is(target error) bool {
	if sessionErr, ok := target.(*SessionError); ok {
		return e.Code == sessionErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *SessionError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("SessionError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new sessiond error with default values.
func NewError(code ErrorCode, message string) *SessionError {
	return &SessionError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new error with the given code and cause.
func Wrap(code ErrorCode, message string, cause error) *SessionError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeQueueCleared, ErrCodeHandlerFailed, ErrCodeHandlerPanic, ErrCodeShutdownInProgress:
		return CategoryQueue
	case ErrCodeAlreadyConnecting, ErrCodeConnectionFailed, ErrCodeConnectionClosed,
		ErrCodeSessionSuperseded, ErrCodeAccessDenied, ErrCodeCredentialsInvalid, ErrCodeRetryExhausted:
		return CategoryConnection
	case ErrCodeOutOfMemory, ErrCodeResourceExhausted:
		return CategoryResource
	case ErrCodeSerialization, ErrCodePoolNotFound:
		return CategoryCache
	case ErrCodeStoreClosed, ErrCodeStoreFailed:
		return CategoryStore
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionFailed:  true,
		ErrCodeConnectionClosed:  true,
		ErrCodeResourceExhausted: true,
		ErrCodeOutOfMemory:       true,
		ErrCodeStoreFailed:       true,
	}
	return retryableCodes[code]
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *SessionError) WithContext(key, value string) *SessionError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *SessionError) WithDetail(key string, value interface{}) *SessionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *SessionError) WithComponent(component string) *SessionError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *SessionError) WithOperation(operation string) *SessionError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *SessionError) WithCause(cause error) *SessionError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *SessionError) WithStack() *SessionError {
	e.Stack = CaptureStack(1)
	return e
}

// GetRecommendation returns an operator-facing hint for fixing the error
func (e *SessionError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConnectionFailed: "Check network reachability of the messaging gateway. " +
			"Reconnection continues automatically until the attempt ceiling is reached.",
		ErrCodeSessionSuperseded: "Another process took over this identity. " +
			"Stop the other instance before reconnecting this one.",
		ErrCodeAccessDenied: "The gateway refused the session repeatedly. " +
			"Credentials have been wiped; re-pair the device on next start.",
		ErrCodeCredentialsInvalid: "The session was logged out. Re-pair the device.",
		ErrCodeRetryExhausted: "Reconnection attempts exhausted. " +
			"The supervisor should restart the process.",
		ErrCodeOutOfMemory: "Process memory exhausted. " +
			"Lower cache pool ceilings or raise the memory limit.",
		ErrCodeResourceExhausted: "System resources exhausted. " +
			"Check available memory and disk space.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check the configuration file syntax and required parameters.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details."
}
