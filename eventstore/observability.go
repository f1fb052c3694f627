package eventstore

import (
	"context"
	"time"
)

// Logger is the structured logging port shared by the backends and the harness.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ContextualLogger is an optional extension of Logger. When a logger implements it,
// callers pass their context so trace and span ids end up on the log record.
type ContextualLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// MetricsCollector records counters, durations and gauges.
// Implementations must be safe for concurrent use; producers and consumers report from many goroutines.
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// ContextualMetricsCollector is an optional extension of MetricsCollector for trace-correlated metrics.
type ContextualMetricsCollector interface {
	MetricsCollector
	RecordDurationContext(ctx context.Context, metric string, duration time.Duration, labels map[string]string)
	IncrementCounterContext(ctx context.Context, metric string, labels map[string]string)
	RecordValueContext(ctx context.Context, metric string, value float64, labels map[string]string)
}

// SpanContext is an open span that accepts attributes until it is finished.
type SpanContext interface {
	SetStatus(status string)
	AddAttribute(key, value string)
}

// TracingCollector opens and closes spans around backend operations.
type TracingCollector interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, SpanContext)
	FinishSpan(spanCtx SpanContext, status string, attrs map[string]string)
}

// Span status values passed to TracingCollector.FinishSpan.
const (
	SpanStatusOK    = "success"
	SpanStatusError = "error"
)

// Harness metric names.
const (
	MetricAppendsTotal          = "tail_appends_total"
	MetricAppendDuration        = "tail_append_duration_seconds"
	MetricAppendConflictsTotal  = "tail_append_conflicts_total"
	MetricAppendFailuresTotal   = "tail_append_failures_total"
	MetricMessagesReceivedTotal = "tail_messages_received_total"
	MetricOrderingViolations    = "tail_ordering_violations_total"
	MetricSubscriptionDrops     = "tail_subscription_drops_total"
	MetricResubscribesTotal     = "tail_resubscribes_total"
)
