// Package errors provides the kernel's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeAuthorization     = "AUTHORIZATION"
	ErrCodeCapacityExhausted = "CAPACITY_EXHAUSTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBackendTool       = "BACKEND_TOOL"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// AppError is an application error carrying a code and an HTTP status.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource. Not retryable.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Authorization creates an authorization error for a missing or mismatched
// nonce or agent id.
func Authorization(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthorization,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// CapacityExhausted creates an over-budget error for a team or a port
// range. The caller decides whether to retry later.
func CapacityExhausted(what string) *AppError {
	return &AppError{
		Code:       ErrCodeCapacityExhausted,
		Message:    fmt.Sprintf("no free capacity in %s", what),
		HTTPStatus: http.StatusConflict,
	}
}

// Timeout creates a readiness deadline error, distinguishing "never started"
// from "explicitly failed".
func Timeout(what string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("timed out waiting for %s", what),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// BackendTool creates an error for an external tool that returned non-zero,
// preserving its captured stderr.
func BackendTool(tool string, stderr string, err error) *AppError {
	msg := fmt.Sprintf("%s failed", tool)
	if stderr != "" {
		msg = fmt.Sprintf("%s failed: %s", tool, stderr)
	}
	return &AppError{
		Code:       ErrCodeBackendTool,
		Message:    msg,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Conflict creates a conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates an internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAuthorization checks if the error is an authorization error.
func IsAuthorization(err error) bool { return hasCode(err, ErrCodeAuthorization) }

// IsCapacityExhausted checks if the error is a capacity error.
func IsCapacityExhausted(err error) bool { return hasCode(err, ErrCodeCapacityExhausted) }

// IsTimeout checks if the error is a readiness timeout.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
