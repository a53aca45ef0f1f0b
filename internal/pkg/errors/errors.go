// Package errors provides the error taxonomy shared by the ledger core and its
// collaborators.
//
// Core failures are sentinel errors (ErrConcurrencyConflict, ErrValidation,
// ErrProjectionApply, ErrConsistencyViolation) wrapped in an AppError that
// carries a machine-readable code. Callers match with errors.Is on the
// sentinel and read details with IsAppError.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	// ErrConcurrencyConflict: the expected version did not match the stream.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrValidation: an event payload is malformed at the store boundary.
	ErrValidation = errors.New("validation failure")
	// ErrProjectionApply: one event failed to update the read models.
	ErrProjectionApply = errors.New("projection apply failure")
	// ErrConsistencyViolation: the log or a snapshot is corrupt.
	ErrConsistencyViolation = errors.New("consistency violation")
	// ErrRebuildInProgress: a projection rebuild is already running.
	ErrRebuildInProgress = errors.New("projection rebuild in progress")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal error")
)

// AppError is a structured application error with HTTP status and error code.
type AppError struct {
	// Code is a machine-readable error code (e.g., "CONCURRENCY_CONFLICT").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Params carries structured context such as expected/actual versions.
	Params map[string]interface{} `json:"params,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// NotFound creates a 404 error.
func NotFound(code, message string) *AppError {
	return Wrap(ErrNotFound, code, message, http.StatusNotFound)
}

// BadRequest creates a 400 error.
func BadRequest(code, message string) *AppError {
	return Wrap(ErrBadRequest, code, message, http.StatusBadRequest)
}

// Conflict creates a 409 error.
func Conflict(code, message string) *AppError {
	return Wrap(ErrConflict, code, message, http.StatusConflict)
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return Wrap(ErrInternal, code, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported so callers importing this package as errors
// do not also need the standard library package.
func As(err error, target any) bool {
	return errors.As(err, target)
}
