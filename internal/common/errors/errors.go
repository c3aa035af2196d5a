// Package errors provides application error types with machine-readable
// kinds that map onto transport status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced to callers.
const (
	CodeNotFound           = "not_found"
	CodeValidation         = "validation"
	CodeConflict           = "conflict"
	CodeState              = "state"
	CodeBackendUnavailable = "backend_unavailable"
	CodeInternal           = "internal"
)

// AppError is the canonical application error. It carries a kind, a
// human-readable message, an optional suggested action for the caller, and
// the wrapped cause.
type AppError struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	SuggestedAction string `json:"suggested_action,omitempty"`
	HTTPStatus      int    `json:"-"`
	Err             error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithAction returns a copy of the error with a suggested action attached.
func (e *AppError) WithAction(action string) *AppError {
	clone := *e
	clone.SuggestedAction = action
	return &clone
}

// NotFound creates a not_found error.
func NotFound(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a validation error for malformed input.
func BadRequest(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a validation error.
func ValidationError(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error (duplicate install, concurrent mutation).
func Conflict(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// StateError creates an error for operations invalid in the current state
// (no draft to publish, no version to roll back to).
func StateError(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeState,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// ServiceUnavailable creates a backend_unavailable error.
func ServiceUnavailable(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeBackendUnavailable,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InternalError creates an internal error.
func InternalError(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an underlying error as an internal AppError, preserving an
// existing AppError unchanged.
func Wrap(err error, format string, args ...interface{}) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Code:       CodeInternal,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound reports whether err is a not_found AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeNotFound
}

// IsConflict reports whether err is a conflict AppError.
func IsConflict(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeConflict
}

// IsState reports whether err is a state AppError.
func IsState(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeState
}

// GetHTTPStatus returns the HTTP status for an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
