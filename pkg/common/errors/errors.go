package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common sentinel errors
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")
)

// Pipeline error taxonomy. Stage-level failures wrap one of these so the
// orchestrator and the API can classify them with errors.Is.
var (
	ErrSchema             = errors.New("schema error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPartialCommit      = errors.New("batch partially committed")
	ErrBatchNotFound      = fmt.Errorf("batch %w", ErrNotFound)
	ErrEmptyBatch         = errors.New("empty batch")
	ErrAnalysisTransient  = errors.New("analysis transient error")
	ErrAnalysisRejected   = errors.New("analysis rejected")
	ErrAnalysisExhausted  = errors.New("analysis retries exhausted")
	ErrRunLockConflict    = errors.New("run lock conflict")
	ErrThresholdExceeded  = errors.New("validation threshold exceeded")
	ErrSourceUnreadable   = errors.New("source unreadable")
)

// Class is the stable name of an error category, persisted in RunState
// and reported to operators.
type Class string

const (
	ClassNone               Class = ""
	ClassSchema             Class = "schema_error"
	ClassThreshold          Class = "validation_threshold"
	ClassSourceUnreadable   Class = "source_unreadable"
	ClassStorageUnavailable Class = "storage_unavailable"
	ClassPartialCommit      Class = "partial_commit"
	ClassBatchNotFound      Class = "batch_not_found"
	ClassEmptyBatch         Class = "empty_batch"
	ClassAnalysisTransient  Class = "analysis_transient"
	ClassAnalysisExhausted  Class = "analysis_exhausted"
	ClassAnalysisRejected   Class = "analysis_rejected"
	ClassRunLockConflict    Class = "run_lock_conflict"
	ClassCancelled          Class = "cancelled"
	ClassInvalidInput       Class = "invalid_input"
	ClassInternal           Class = "internal"
)

// Classify maps an error onto its taxonomy class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	case errors.Is(err, ErrRunLockConflict):
		return ClassRunLockConflict
	case errors.Is(err, ErrAnalysisRejected):
		return ClassAnalysisRejected
	case errors.Is(err, ErrAnalysisExhausted):
		return ClassAnalysisExhausted
	case errors.Is(err, ErrAnalysisTransient):
		return ClassAnalysisTransient
	case errors.Is(err, ErrEmptyBatch):
		return ClassEmptyBatch
	case errors.Is(err, ErrBatchNotFound):
		return ClassBatchNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return ClassStorageUnavailable
	case errors.Is(err, ErrPartialCommit):
		return ClassPartialCommit
	case errors.Is(err, ErrThresholdExceeded):
		return ClassThreshold
	case errors.Is(err, ErrSourceUnreadable):
		return ClassSourceUnreadable
	case errors.Is(err, ErrSchema):
		return ClassSchema
	case errors.Is(err, ErrInvalidInput):
		return ClassInvalidInput
	default:
		return ClassInternal
	}
}

// Resumable reports whether re-invoking the run with the same batch id can
// be expected to succeed without operator changes.
func Resumable(c Class) bool {
	switch c {
	case ClassAnalysisRejected, ClassInvalidInput:
		return false
	default:
		return true
	}
}

// AppError represents an application-specific error with an HTTP status code.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError.
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MapError maps a common error to an AppError with an appropriate HTTP status code.
func MapError(err error) *AppError {
	if err == nil {
		return nil
	}

	// Check for existing AppError
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, ErrRunLockConflict) {
		return NewAppError(http.StatusConflict, "Run already in progress", err)
	}
	if errors.Is(err, ErrEmptyBatch) {
		return NewAppError(http.StatusUnprocessableEntity, "Batch has no committed records", err)
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return NewAppError(http.StatusServiceUnavailable, "Storage unavailable", err)
	}
	if errors.Is(err, ErrThresholdExceeded) || errors.Is(err, ErrSchema) {
		return NewAppError(http.StatusUnprocessableEntity, "Batch failed validation", err)
	}
	if errors.Is(err, ErrAnalysisRejected) || errors.Is(err, ErrAnalysisExhausted) || errors.Is(err, ErrAnalysisTransient) {
		return NewAppError(http.StatusBadGateway, "Analysis backend failed", err)
	}

	// Map sentinel errors
	if errors.Is(err, ErrInvalidInput) {
		return NewAppError(http.StatusBadRequest, "Invalid request", err)
	}
	if errors.Is(err, ErrNotFound) {
		return NewAppError(http.StatusNotFound, "Resource not found", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		return NewAppError(http.StatusUnauthorized, "Unauthorized", err)
	}

	// Default to internal server error
	return NewAppError(http.StatusInternalServerError, "Internal server error", err)
}
