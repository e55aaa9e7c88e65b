// Package errors provides error code definitions bridged to the mobile and
// desktop presentation layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase         ErrorCode = "DATABASE_ERROR"
	ErrMigration        ErrorCode = "MIGRATION_FAILED"
	ErrStorageBusy      ErrorCode = "STORAGE_BUSY"
	ErrQueuePersist     ErrorCode = "QUEUE_PERSIST_FAILED"
	ErrCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"

	// Queue errors
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrQueueItemState    ErrorCode = "QUEUE_ITEM_INVALID_STATE"

	// Sync errors
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline       ErrorCode = "SYNC_OFFLINE"
	ErrSyncRetryExceeded ErrorCode = "SYNC_RETRY_EXCEEDED"
	ErrRefreshFailed     ErrorCode = "REFRESH_FAILED"

	// Backend errors
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrBackendRejected    ErrorCode = "BACKEND_REJECTED"
	ErrAuthFailed         ErrorCode = "AUTH_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
