package scheduler

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTickInterval is returned when the tick interval is not positive.
	ErrInvalidTickInterval = errors.New("tick interval must be positive")

	// ErrNilClock is returned when a nil clock is supplied.
	ErrNilClock = errors.New("clock must not be nil")

	// ErrNilTicks is returned when a nil tick source is supplied.
	ErrNilTicks = errors.New("tick source must not be nil")
)

// Logger interface for operational logging of the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsCollector interface for recording scheduler gauges and counters.
type MetricsCollector interface {
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// Clock supplies the current instant. Due times are computed from it at schedule time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}

// Option defines a functional option for configuring a Scheduler.
type Option func(*Scheduler) error

// WithTickInterval sets the scan granularity. The default is 100 ms.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) error {
		if interval <= 0 {
			return ErrInvalidTickInterval
		}

		s.tickInterval = interval

		return nil
	}
}

// WithClock replaces the system clock, e.g. with a controllable one in tests.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) error {
		if clock == nil {
			return ErrNilClock
		}

		s.clock = clock

		return nil
	}
}

// WithTicks replaces the internal periodic ticker with an external tick source.
// Every value received from ticks is handled as "tick(now)".
func WithTicks(ticks <-chan time.Time) Option {
	return func(s *Scheduler) error {
		if ticks == nil {
			return ErrNilTicks
		}

		s.externalTicks = ticks

		return nil
	}
}

// WithLogger sets the logger for the Scheduler.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) error {
		s.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Scheduler.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *Scheduler) error {
		s.metricsCollector = collector
		return nil
	}
}
