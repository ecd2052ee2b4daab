// Package apperr provides error code definitions shared by the sync client
// and server.
package apperr

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for retry and reporting decisions.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrTransaction ErrorCode = "TRANSACTION_FAILED"

	// Sync errors
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrQueueFull      ErrorCode = "QUEUE_FULL"

	// Realtime errors
	ErrChannelClosed       ErrorCode = "CHANNEL_CLOSED"
	ErrChannelNotConnected ErrorCode = "CHANNEL_NOT_CONNECTED"
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

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Retryable reports whether an error is worth another delivery attempt.
// Transient network and server failures are retryable; validation and
// auth failures are not.
func Retryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrSyncTransient || appErr.Code == ErrSyncTimeout
	}
	// Unclassified errors (raw network failures) default to retryable.
	return err != nil
}
