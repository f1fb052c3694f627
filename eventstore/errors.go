package eventstore

import (
	"context"
	"errors"
)

var (
	ErrConcurrencyConflict         = errors.New("concurrency error, expected version does not match")
	ErrNilDatabaseConnection       = errors.New("database connection must not be nil")
	ErrEmptyTableName              = errors.New("table name must not be empty")
	ErrEmptyStreamID               = errors.New("stream id must not be empty")
	ErrNoMessagesSupplied          = errors.New("at least one message must be supplied")
	ErrInvalidExpectedVersion      = errors.New("expected version is invalid")
	ErrBuildingQueryFailed         = errors.New("building the sql query failed")
	ErrAppendingMessagesFailed     = errors.New("appending messages failed")
	ErrReadingAllFailed            = errors.New("reading the global feed failed")
	ErrScanningDBRowFailed         = errors.New("scanning the database row failed")
	ErrCreatingSchemaFailed        = errors.New("creating the schema failed")
	ErrBackendUnavailable          = errors.New("backend unavailable")
	ErrNilMessageHandler           = errors.New("message handler must not be nil")
)

// Error types used as metric labels.
const (
	ErrorTypeNone                    = "none"
	ErrorTypeConcurrencyConflict     = "concurrency_conflict"
	ErrorTypeContextCanceled         = "context_canceled"
	ErrorTypeContextDeadlineExceeded = "context_deadline_exceeded"
	ErrorTypeOther                   = "other"
)

// IsConflict reports whether err signals an expected-version mismatch.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsCancellation reports whether err was caused by a canceled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ErrorType classifies err for metrics labeling.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ErrorTypeNone
	case errors.Is(err, ErrConcurrencyConflict):
		return ErrorTypeConcurrencyConflict
	case errors.Is(err, context.Canceled):
		return ErrorTypeContextCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeContextDeadlineExceeded
	default:
		return ErrorTypeOther
	}
}
