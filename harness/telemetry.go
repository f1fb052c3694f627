package harness

import (
	"context"
	"math"
	"time"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

const (
	logMsgAppended            = "harness: appended"
	logMsgAppendConflict      = "harness: append conflict, retrying"
	logMsgAppendFailed        = "harness: append failed, retrying"
	logMsgBuildingBatchFailed = "harness: building batch failed, retrying"
	logMsgSchedulingFailed    = "harness: scheduling failed"
	logMsgSubscribed          = "harness: subscribed"
	logMsgSubscribeFailed     = "harness: subscribe failed"
	logMsgSubscriptionDropped = "harness: subscription dropped, resubscribing"
	logMsgOrderingViolation   = "harness: ordering violation"
	logMsgStarted             = "harness: started"
	logMsgStopped             = "harness: stopped"
	logAttrProducer           = "producer"
	logAttrConsumer           = "consumer"
	logAttrStreamID           = "stream_id"
	logAttrExpectedVersion    = "expected_version"
	logAttrCurrentVersion     = "current_version"
	logAttrMessageCount       = "message_count"
	logAttrDurationMS         = "duration_ms"
	logAttrDelayMS            = "delay_ms"
	logAttrError              = "error"
	logAttrContinueAfter      = "continue_after"
	logAttrPosition           = "position"
	logAttrLastObserved       = "last_observed"
	logAttrDropReason         = "drop_reason"
	logAttrProducers          = "producers"
	logAttrConsumers          = "consumers"
	logAttrMode               = "mode"
	labelMode                 = "mode"
	labelErrorType            = "error_type"
	labelDropReason           = "drop_reason"
	labelStatus               = "status"
	statusSuccess             = "success"
	statusError               = "error"
)

// telemetry bundles the optional observability ports. All methods are nil-safe.
type telemetry struct {
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
	metricsCollector eventstore.MetricsCollector
}

func (t telemetry) debug(ctx context.Context, msg string, args ...any) {
	if t.contextualLogger != nil {
		t.contextualLogger.DebugContext(ctx, msg, args...)
		return
	}

	if t.logger != nil {
		t.logger.Debug(msg, args...)
	}
}

func (t telemetry) info(ctx context.Context, msg string, args ...any) {
	if t.contextualLogger != nil {
		t.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}

	if t.logger != nil {
		t.logger.Info(msg, args...)
	}
}

func (t telemetry) warn(ctx context.Context, msg string, args ...any) {
	if t.contextualLogger != nil {
		t.contextualLogger.WarnContext(ctx, msg, args...)
		return
	}

	if t.logger != nil {
		t.logger.Warn(msg, args...)
	}
}

func (t telemetry) error(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	if t.contextualLogger != nil {
		t.contextualLogger.ErrorContext(ctx, msg, allArgs...)
		return
	}

	if t.logger != nil {
		t.logger.Error(msg, allArgs...)
	}
}

func (t telemetry) recordDuration(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	if t.metricsCollector == nil {
		return
	}

	if contextual, ok := t.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	t.metricsCollector.RecordDuration(metric, duration, labels)
}

func (t telemetry) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if t.metricsCollector == nil {
		return
	}

	if contextual, ok := t.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	t.metricsCollector.IncrementCounter(metric, labels)
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
