// Package errors provides error codes and failure kinds for the sync core.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies what failed.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Queue errors
	ErrUnknownAction  ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrInvalidPayload ErrorCode = "INVALID_PAYLOAD"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"
	ErrRemote         ErrorCode = "REMOTE_ERROR"
)

// Kind classifies how a failure should be treated by the sync engine.
type Kind int

const (
	// KindInternal is the zero kind: unclassified failures, treated as transient.
	KindInternal Kind = iota
	// KindTransient failures (timeouts, 5xx) consume retry budget.
	KindTransient
	// KindPermanent failures (validation, rejected payload) are not retried.
	KindPermanent
	// KindStorage failures mean the local store is unreachable or corrupted.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// AppError represents an application error with code, kind and message.
type AppError struct {
	Code    ErrorCode
	Kind    Kind
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
		Kind:    kindForCode(code),
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kindForCode(code),
		Message: message,
		Err:     err,
	}
}

// Storage wraps a local store failure. Storage errors are retryable.
func Storage(op string, err error) *AppError {
	return &AppError{
		Code:    ErrDatabase,
		Kind:    KindStorage,
		Message: op,
		Err:     err,
	}
}

// Transient wraps a failure that may succeed on a later attempt.
func Transient(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Kind: KindTransient, Message: message, Err: err}
}

// Permanent wraps a failure that will never succeed as-is.
func Permanent(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Kind: KindPermanent, Message: message, Err: err}
}

func kindForCode(code ErrorCode) Kind {
	switch code {
	case ErrDatabase, ErrMigration, ErrConstraint:
		return KindStorage
	case ErrInvalid, ErrValidation, ErrUnknownAction, ErrInvalidPayload, ErrSyncRejected, ErrSyncAuthFailed:
		return KindPermanent
	case ErrSyncTimeout, ErrRemote, ErrSyncFailed:
		return KindTransient
	default:
		return KindInternal
	}
}

// Is checks if an error chain carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// KindOf returns the kind of the outermost AppError in the chain.
// Context deadline errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsPermanent reports whether err should skip retry.
func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanent
}

// IsStorage reports whether err came from the local store.
func IsStorage(err error) bool {
	return KindOf(err) == KindStorage
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}
