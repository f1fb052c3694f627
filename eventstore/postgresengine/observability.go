package postgresengine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

const (
	metricAppendDuration       = "eventstore_append_duration_seconds"
	metricMessagesAppended     = "eventstore_messages_appended_total"
	metricConcurrencyConflicts = "eventstore_concurrency_conflicts_total"
	metricDatabaseErrors       = "eventstore_database_errors_total"
	metricPollDuration         = "eventstore_poll_duration_seconds"
	metricMessagesDelivered    = "eventstore_messages_delivered_total"
	metricSubscriptionDrops    = "eventstore_subscriptions_dropped_total"

	spanNameAppend = "eventstore.append"

	spanAttrOperation       = "operation"
	spanAttrStreamID        = "stream_id"
	spanAttrMessageCount    = "message_count"
	spanAttrExpectedVersion = "expected_version"
	spanAttrCurrentVersion  = "current_version"
	spanAttrErrorType       = "error_type"
	spanAttrDurationMS      = "duration_ms"

	labelStatus       = "status"
	labelConflictType = "conflict_type"
	labelDropReason   = "drop_reason"

	operationAppend = "append"
	operationPoll   = "poll"
)

// logQueryWithDuration logs SQL statements with execution time at debug level.
func (es *EventStore) logQueryWithDuration(
	ctx context.Context,
	sqlQuery string,
	action string,
	duration time.Duration,
) {
	args := []any{logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery}

	if es.contextualLogger != nil {
		es.contextualLogger.DebugContext(ctx, logMsgSQLExecuted+action, args...)
		return
	}

	if es.logger != nil {
		es.logger.Debug(logMsgSQLExecuted+action, args...)
	}
}

// logOperation logs operational information at info level.
func (es *EventStore) logOperation(ctx context.Context, action string, args ...any) {
	if es.contextualLogger != nil {
		es.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
		return
	}

	if es.logger != nil {
		es.logger.Info(logMsgOperation+action, args...)
	}
}

func (es *EventStore) logWarnContext(ctx context.Context, message string, args ...any) {
	if es.contextualLogger != nil {
		es.contextualLogger.WarnContext(ctx, message, args...)
		return
	}

	if es.logger != nil {
		es.logger.Warn(message, args...)
	}
}

// logErrorContext logs error information at the error level.
func (es *EventStore) logErrorContext(
	ctx context.Context,
	message string,
	err error,
	args ...any,
) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, args...)

	if es.contextualLogger != nil {
		es.contextualLogger.ErrorContext(ctx, message, allArgs...)
		return
	}

	if es.logger != nil {
		es.logger.Error(message, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

func (es *EventStore) recordDuration(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	if es.metricsCollector == nil {
		return
	}

	if contextual, ok := es.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	es.metricsCollector.RecordDuration(metric, duration, labels)
}

func (es *EventStore) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if es.metricsCollector == nil {
		return
	}

	if contextual, ok := es.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	es.metricsCollector.IncrementCounter(metric, labels)
}

func (es *EventStore) recordValue(ctx context.Context, metric string, value float64, labels map[string]string) {
	if es.metricsCollector == nil {
		return
	}

	if contextual, ok := es.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metric, value, labels)
		return
	}

	es.metricsCollector.RecordValue(metric, value, labels)
}

// recordPoll records one read of the global feed.
func (es *EventStore) recordPoll(ctx context.Context, delivered int, duration time.Duration, err error) {
	status := eventstore.SpanStatusOK
	if err != nil {
		status = eventstore.SpanStatusError
		es.incrementCounter(ctx, metricDatabaseErrors, map[string]string{
			spanAttrOperation: operationPoll,
			spanAttrErrorType: eventstore.ErrorType(err),
		})
	}

	labels := map[string]string{spanAttrOperation: operationPoll, labelStatus: status}
	es.recordDuration(ctx, metricPollDuration, duration, labels)

	if delivered > 0 {
		es.recordValue(ctx, metricMessagesDelivered, float64(delivered), labels)
	}
}

func (es *EventStore) recordSubscriptionDrop(ctx context.Context, reason eventstore.DropReason) {
	es.incrementCounter(ctx, metricSubscriptionDrops, map[string]string{labelDropReason: string(reason)})
}

// === Append observers ===
// They keep span and metric bookkeeping out of Append.

type appendTracingObserver struct {
	es   *EventStore
	span eventstore.SpanContext
}

type appendMetricsObserver struct {
	es  *EventStore
	ctx context.Context
}

func (es *EventStore) startAppendTracing(
	ctx context.Context,
	streamID string,
	expected eventstore.ExpectedVersion,
	messageCount int,
) (*appendTracingObserver, context.Context) {

	if es.tracingCollector == nil {
		return &appendTracingObserver{es: es}, ctx
	}

	newCtx, span := es.tracingCollector.StartSpan(ctx, spanNameAppend, map[string]string{
		spanAttrOperation:       operationAppend,
		spanAttrStreamID:        streamID,
		spanAttrExpectedVersion: expected.String(),
		spanAttrMessageCount:    fmt.Sprintf("%d", messageCount),
	})

	return &appendTracingObserver{es: es, span: span}, newCtx
}

func (ato *appendTracingObserver) finishSuccess(result eventstore.AppendResult, duration time.Duration) {
	if ato.span == nil {
		return
	}

	attrs := map[string]string{
		spanAttrCurrentVersion: fmt.Sprintf("%d", result.CurrentVersion),
		spanAttrDurationMS:     fmt.Sprintf("%.2f", toMilliseconds(duration)),
	}

	ato.span.SetStatus(eventstore.SpanStatusOK)
	ato.es.tracingCollector.FinishSpan(ato.span, eventstore.SpanStatusOK, attrs)
}

func (ato *appendTracingObserver) finishError(errorType string, duration time.Duration) {
	if ato.span == nil {
		return
	}

	attrs := map[string]string{spanAttrErrorType: errorType}
	if duration > 0 {
		attrs[spanAttrDurationMS] = fmt.Sprintf("%.2f", toMilliseconds(duration))
	}

	ato.span.SetStatus(eventstore.SpanStatusError)
	ato.es.tracingCollector.FinishSpan(ato.span, eventstore.SpanStatusError, attrs)
}

func (es *EventStore) startAppendMetrics(ctx context.Context) *appendMetricsObserver {
	return &appendMetricsObserver{es: es, ctx: ctx}
}

func (amo *appendMetricsObserver) recordSuccess(messageCount int, duration time.Duration) {
	labels := map[string]string{spanAttrOperation: operationAppend, labelStatus: eventstore.SpanStatusOK}
	amo.es.recordDuration(amo.ctx, metricAppendDuration, duration, labels)
	amo.es.recordValue(amo.ctx, metricMessagesAppended, float64(messageCount), labels)
}

func (amo *appendMetricsObserver) recordError(errorType string, duration time.Duration) {
	amo.es.recordDuration(amo.ctx, metricAppendDuration, duration, map[string]string{
		spanAttrOperation: operationAppend,
		labelStatus:       eventstore.SpanStatusError,
	})
	amo.es.incrementCounter(amo.ctx, metricDatabaseErrors, map[string]string{
		spanAttrOperation: operationAppend,
		spanAttrErrorType: errorType,
	})
}

func (amo *appendMetricsObserver) recordConcurrencyConflict(duration time.Duration) {
	amo.es.recordDuration(amo.ctx, metricAppendDuration, duration, map[string]string{
		spanAttrOperation: operationAppend,
		labelStatus:       eventstore.SpanStatusError,
	})
	amo.es.incrementCounter(amo.ctx, metricConcurrencyConflicts, map[string]string{
		spanAttrOperation: operationAppend,
		labelConflictType: "expected_version",
	})
}
