package helper

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// LogHandlerSpy is a slog.Handler implementation that captures log records for testing.
type LogHandlerSpy struct {
	records     []slog.Record
	mu          sync.Mutex
	logToStdout bool
}

// NewLogHandlerSpy creates a new LogHandlerSpy.
// Switchable to log to stdout, which can be useful for debugging tests by seeing the actual log output.
func NewLogHandlerSpy(logToStdOut bool) *LogHandlerSpy {
	return &LogHandlerSpy{
		records:     make([]slog.Record, 0),
		logToStdout: logToStdOut,
	}
}

// Handle implements slog.Handler interface.
func (s *LogHandlerSpy) Handle(ctx context.Context, record slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record.Clone())

	if s.logToStdout {
		jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
		_ = jsonHandler.Handle(ctx, record)
	}

	return nil
}

// Enabled implements slog.Handler interface.
func (s *LogHandlerSpy) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

// WithAttrs implements slog.Handler interface.
func (s *LogHandlerSpy) WithAttrs(_ []slog.Attr) slog.Handler {
	return s
}

// WithGroup implements slog.Handler interface.
func (s *LogHandlerSpy) WithGroup(_ string) slog.Handler {
	return s
}

// GetRecordCount returns the number of captured log records.
func (s *LogHandlerSpy) GetRecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// GetRecords returns a copy of all captured log records.
func (s *LogHandlerSpy) GetRecords() []slog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]slog.Record, len(s.records))
	copy(records, s.records)

	return records
}

// Reset clears all captured log records.
func (s *LogHandlerSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
}

// SpyLogRecordMatcher narrows down captured records with fluent conditions.
type SpyLogRecordMatcher struct {
	records func() []slog.Record
	level   slog.Level
	message string
	attrs   map[string]any
	present []string
}

// HasDebugLogWithMessage starts a matcher for debug records with the given message.
func (s *LogHandlerSpy) HasDebugLogWithMessage(message string) *SpyLogRecordMatcher {
	return s.newMatcher(slog.LevelDebug, message)
}

// HasInfoLogWithMessage starts a matcher for info records with the given message.
func (s *LogHandlerSpy) HasInfoLogWithMessage(message string) *SpyLogRecordMatcher {
	return s.newMatcher(slog.LevelInfo, message)
}

// HasWarnLogWithMessage starts a matcher for warn records with the given message.
func (s *LogHandlerSpy) HasWarnLogWithMessage(message string) *SpyLogRecordMatcher {
	return s.newMatcher(slog.LevelWarn, message)
}

// HasErrorLogWithMessage starts a matcher for error records with the given message.
func (s *LogHandlerSpy) HasErrorLogWithMessage(message string) *SpyLogRecordMatcher {
	return s.newMatcher(slog.LevelError, message)
}

func (s *LogHandlerSpy) newMatcher(level slog.Level, message string) *SpyLogRecordMatcher {
	return newSpyLogRecordMatcher(s.GetRecords, level, message)
}

func newSpyLogRecordMatcher(records func() []slog.Record, level slog.Level, message string) *SpyLogRecordMatcher {
	return &SpyLogRecordMatcher{records: records, level: level, message: message, attrs: make(map[string]any)}
}

// WithAttr requires an attribute with the given key and value. Integer values compare as int64.
func (m *SpyLogRecordMatcher) WithAttr(key string, value any) *SpyLogRecordMatcher {
	m.attrs[key] = normalize(value)
	return m
}

// WithAttrPresent requires an attribute with the given key, whatever its value.
func (m *SpyLogRecordMatcher) WithAttrPresent(key string) *SpyLogRecordMatcher {
	m.present = append(m.present, key)
	return m
}

// Assert reports whether at least one captured record satisfies all conditions.
func (m *SpyLogRecordMatcher) Assert() bool {
	return m.Count() > 0
}

// Count returns how many captured records satisfy all conditions.
func (m *SpyLogRecordMatcher) Count() int {
	count := 0

	for _, record := range m.records() {
		if record.Level != m.level || record.Message != m.message {
			continue
		}

		if m.matchesAttrs(record) {
			count++
		}
	}

	return count
}

func (m *SpyLogRecordMatcher) matchesAttrs(record slog.Record) bool {
	found := make(map[string]any)
	record.Attrs(func(attr slog.Attr) bool {
		found[attr.Key] = normalize(attr.Value.Any())
		return true
	})

	for key, expected := range m.attrs {
		if actual, ok := found[key]; !ok || actual != expected {
			return false
		}
	}

	for _, key := range m.present {
		if _, ok := found[key]; !ok {
			return false
		}
	}

	return true
}

func normalize(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return value
	}
}
