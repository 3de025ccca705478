// Package errors provides the error taxonomy shared by the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local store errors
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrStoreIO          ErrorCode = "STORE_IO_ERROR"
	ErrMigration        ErrorCode = "MIGRATION_FAILED"

	// Network and remote errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrRemoteRequest      ErrorCode = "REMOTE_REQUEST_FAILED"
	ErrTimeout            ErrorCode = "TIMEOUT"

	// Sync errors
	ErrUnknownAction ErrorCode = "UNKNOWN_ACTION"
	ErrSyncFailed    ErrorCode = "SYNC_FAILED"

	// Configuration errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Backup errors
	ErrBackupFailed ErrorCode = "BACKUP_FAILED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Message returns the human-readable part of err, without the code prefix.
// Remote failures are recorded in the queue with this text.
func Message(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if appErr.Err != nil && appErr.Message == "" {
			return appErr.Err.Error()
		}
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
