package helper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

// ContextualLoggerSpy captures calls to the ContextualLogger port as slog records,
// so the same fluent matchers as for LogHandlerSpy apply.
type ContextualLoggerSpy struct {
	records  []slog.Record
	contexts []context.Context
	mu       sync.Mutex
}

// NewContextualLoggerSpy creates an empty ContextualLoggerSpy.
func NewContextualLoggerSpy() *ContextualLoggerSpy {
	return &ContextualLoggerSpy{}
}

// DebugContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) DebugContext(ctx context.Context, msg string, args ...any) {
	s.record(ctx, slog.LevelDebug, msg, args)
}

// InfoContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) InfoContext(ctx context.Context, msg string, args ...any) {
	s.record(ctx, slog.LevelInfo, msg, args)
}

// WarnContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) WarnContext(ctx context.Context, msg string, args ...any) {
	s.record(ctx, slog.LevelWarn, msg, args)
}

// ErrorContext implements the ContextualLogger interface.
func (s *ContextualLoggerSpy) ErrorContext(ctx context.Context, msg string, args ...any) {
	s.record(ctx, slog.LevelError, msg, args)
}

func (s *ContextualLoggerSpy) record(ctx context.Context, level slog.Level, msg string, args []any) {
	record := slog.NewRecord(time.Now(), level, msg, 0)
	record.Add(args...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, record)
	s.contexts = append(s.contexts, ctx)
}

// GetRecordCount returns the number of captured calls across all levels.
func (s *ContextualLoggerSpy) GetRecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// GetRecords returns a copy of the captured calls.
func (s *ContextualLoggerSpy) GetRecords() []slog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]slog.Record(nil), s.records...)
}

// GetContexts returns the contexts passed along with each captured call, in call order.
func (s *ContextualLoggerSpy) GetContexts() []context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]context.Context(nil), s.contexts...)
}

// Reset clears all captured calls.
func (s *ContextualLoggerSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.contexts = nil
}

// HasDebugLogWithMessage starts a matcher for debug calls with the given message.
func (s *ContextualLoggerSpy) HasDebugLogWithMessage(message string) *SpyLogRecordMatcher {
	return newSpyLogRecordMatcher(s.GetRecords, slog.LevelDebug, message)
}

// HasInfoLogWithMessage starts a matcher for info calls with the given message.
func (s *ContextualLoggerSpy) HasInfoLogWithMessage(message string) *SpyLogRecordMatcher {
	return newSpyLogRecordMatcher(s.GetRecords, slog.LevelInfo, message)
}

// HasWarnLogWithMessage starts a matcher for warn calls with the given message.
func (s *ContextualLoggerSpy) HasWarnLogWithMessage(message string) *SpyLogRecordMatcher {
	return newSpyLogRecordMatcher(s.GetRecords, slog.LevelWarn, message)
}

// HasErrorLogWithMessage starts a matcher for error calls with the given message.
func (s *ContextualLoggerSpy) HasErrorLogWithMessage(message string) *SpyLogRecordMatcher {
	return newSpyLogRecordMatcher(s.GetRecords, slog.LevelError, message)
}

var _ eventstore.ContextualLogger = (*ContextualLoggerSpy)(nil)
