package errors

import (
	"fmt"
	"net/http"
)

// Event store error codes.
const (
	CodeConcurrencyConflict   = "CONCURRENCY_CONFLICT"
	CodeEventValidationFailed = "EVENT_VALIDATION_FAILED"
	CodeProjectionApplyFailed = "PROJECTION_APPLY_FAILED"
	CodeConsistencyViolation  = "CONSISTENCY_VIOLATION"
)

// Account command error codes.
const (
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeAccountExists         = "ACCOUNT_ALREADY_EXISTS"
	CodeAccountClosed         = "ACCOUNT_CLOSED"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeAccountBalanceNonZero = "ACCOUNT_BALANCE_NOT_ZERO"
)

// Projection error codes.
const (
	CodeProjectionNotFound  = "PROJECTION_NOT_FOUND"
	CodeRebuildInProgress   = "PROJECTION_REBUILD_IN_PROGRESS"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
)

// ConcurrencyConflict reports an expected-version mismatch on append.
// The caller must re-read the stream and retry with the fresh version.
func ConcurrencyConflict(aggregateID string, expected, actual int64) *AppError {
	return Wrap(ErrConcurrencyConflict, CodeConcurrencyConflict,
		fmt.Sprintf("expected version %d, stream %s is at version %d", expected, aggregateID, actual),
		http.StatusConflict,
	).WithParams(map[string]interface{}{
		"aggregate_id":     aggregateID,
		"expected_version": expected,
		"current_version":  actual,
	})
}

// ValidationFailure reports a malformed event detected at the store boundary.
func ValidationFailure(format string, args ...any) *AppError {
	return Wrap(ErrValidation, CodeEventValidationFailed, fmt.Sprintf(format, args...), http.StatusBadRequest)
}

// ConsistencyViolation reports log or snapshot corruption. It must never be
// swallowed.
func ConsistencyViolation(format string, args ...any) *AppError {
	return Wrap(ErrConsistencyViolation, CodeConsistencyViolation, fmt.Sprintf(format, args...), http.StatusInternalServerError)
}

// ProjectionApplyFailure wraps the cause of a failed projection unit.
func ProjectionApplyFailure(projection string, cause error) *AppError {
	return &AppError{
		Code:       CodeProjectionApplyFailed,
		Message:    "apply event to " + projection,
		HTTPStatus: http.StatusInternalServerError,
		Err:        fmt.Errorf("%w: %w", ErrProjectionApply, cause),
	}
}

// ErrAccountNotFoundf creates an account not found error.
func ErrAccountNotFoundf(accountID string) *AppError {
	return NotFound(CodeAccountNotFound, "account not found").
		WithParams(map[string]interface{}{"account_id": accountID})
}

// ErrRebuildInProgressf creates a conflict for a second concurrent rebuild.
func ErrRebuildInProgressf() *AppError {
	return Wrap(ErrRebuildInProgress, CodeRebuildInProgress, "projection rebuild already running", http.StatusConflict)
}
