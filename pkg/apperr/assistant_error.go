package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Pipeline conditions
	CodeDuplicateDelivery = "DUPLICATE_DELIVERY"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED"
	CodeBackendFailure    = "BACKEND_FAILURE"
	CodePhaseFailure      = "PHASE_FAILURE"
	CodeCrashLoopDetected = "CRASH_LOOP_DETECTED"

	// Validation errors
	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeStoreError    = "STORE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Pipeline conditions

// DuplicateDelivery marks a redelivered message. Not a failure: the caller
// drops the message silently.
func DuplicateDelivery(messageID string) *AppError {
	return &AppError{
		Code:    CodeDuplicateDelivery,
		Message: "message already admitted",
		Status:  http.StatusConflict,
		Details: map[string]any{"message_id": messageID},
	}
}

func BudgetExceeded(scope string) *AppError {
	return &AppError{
		Code:    CodeBudgetExceeded,
		Message: fmt.Sprintf("classification budget exhausted for scope %s", scope),
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"scope": scope},
	}
}

func BackendFailure(backend string, err error) *AppError {
	return &AppError{
		Code:    CodeBackendFailure,
		Message: fmt.Sprintf("classification backend %s failed", backend),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"backend": backend},
		Err:     err,
	}
}

func PhaseFailure(phase string, err error) *AppError {
	return &AppError{
		Code:    CodePhaseFailure,
		Message: fmt.Sprintf("phase %s failed", phase),
		Status:  http.StatusInternalServerError,
		Details: map[string]any{"phase": phase},
		Err:     err,
	}
}

func CrashLoopDetected(count int64) *AppError {
	return &AppError{
		Code:    CodeCrashLoopDetected,
		Message: "crash loop detected, intake halted",
		Status:  http.StatusServiceUnavailable,
		Details: map[string]any{"start_count": count},
	}
}

// Validation errors
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Internal errors
func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func StoreError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeStoreError,
		Message: fmt.Sprintf("store error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}

// IsCode reports whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
