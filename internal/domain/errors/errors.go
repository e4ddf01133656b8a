package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeDuplicate  ErrorType = "duplicate"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType      `json:"type"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
	Retryable  bool           `json:"retryable"`
	StatusCode int            `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// NewProviderUnavailableError marks a transient telephony failure. The
// scheduler releases the claim and retries on a later loop iteration without
// consuming an attempt.
func NewProviderUnavailableError(provider, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "PROVIDER_UNAVAILABLE",
		Message:    fmt.Sprintf("%s provider unavailable: %s", provider, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]any{"provider": provider},
	}
}

// NewInvalidTargetError marks a destination that must never be dialed:
// structurally invalid or present on the blocklist. Non-retryable.
func NewInvalidTargetError(number, reason string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       "INVALID_TARGET",
		Message:    fmt.Sprintf("invalid call target %s: %s", number, reason),
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]any{"number": number, "reason": reason},
	}
}

// NewDuplicateEventError marks a redelivered provider callback. Absorbed by
// the call driver, never surfaced to external callers.
func NewDuplicateEventError(callSID string) *AppError {
	return &AppError{
		Type:       ErrorTypeDuplicate,
		Code:       "DUPLICATE_EVENT",
		Message:    fmt.Sprintf("duplicate terminal event for call %s", callSID),
		Retryable:  false,
		StatusCode: 200,
		Details:    map[string]any{"call_sid": callSID},
	}
}

// NewCallTimeoutError marks a session that produced no events within the
// configured ceiling. Treated as a normal failed outcome downstream.
func NewCallTimeoutError(callSID string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "CALL_TIMEOUT",
		Message:    fmt.Sprintf("call %s timed out without a definitive outcome", callSID),
		Retryable:  true,
		StatusCode: 504,
		Details:    map[string]any{"call_sid": callSID},
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsProviderUnavailable(err error) bool {
	return hasCode(err, "PROVIDER_UNAVAILABLE")
}

func IsInvalidTarget(err error) bool {
	return hasCode(err, "INVALID_TARGET")
}

func IsDuplicateEvent(err error) bool {
	return hasCode(err, "DUPLICATE_EVENT")
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
