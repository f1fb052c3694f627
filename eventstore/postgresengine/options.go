package postgresengine

import (
	"errors"
	"time"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

var (
	ErrInvalidPollInterval = errors.New("poll interval must be positive")
	ErrInvalidBatchSize    = errors.New("subscription batch size must be positive")
)

// Option defines a functional option for configuring EventStore.
type Option func(*EventStore) error

// WithTableName sets the table name for the EventStore.
func WithTableName(tableName string) Option {
	return func(es *EventStore) error {
		if tableName == "" {
			return eventstore.ErrEmptyTableName
		}

		es.tableName = tableName

		return nil
	}
}

// WithLogger sets the logger for the EventStore.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL statements with execution timing
// Info level: appended message counts, durations, concurrency conflicts
// Warn level: subscription drops and cleanup failures
// Error level: failures that abort an operation.
func WithLogger(logger eventstore.Logger) Option {
	return func(es *EventStore) error {
		es.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger that correlates log records with the active trace.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(es *EventStore) error {
		es.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the EventStore.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(es *EventStore) error {
		es.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the EventStore.
func WithTracing(collector eventstore.TracingCollector) Option {
	return func(es *EventStore) error {
		es.tracingCollector = collector
		return nil
	}
}

// WithPollInterval sets how long an idle subscription waits before reading the global feed again.
func WithPollInterval(interval time.Duration) Option {
	return func(es *EventStore) error {
		if interval <= 0 {
			return ErrInvalidPollInterval
		}

		es.pollInterval = interval

		return nil
	}
}

// WithSubscriptionBatchSize sets how many rows one subscription poll reads at most.
func WithSubscriptionBatchSize(size uint) Option {
	return func(es *EventStore) error {
		if size == 0 {
			return ErrInvalidBatchSize
		}

		es.batchSize = size

		return nil
	}
}
