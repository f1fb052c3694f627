package memengine

import (
	"errors"
	"time"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

var ErrInvalidFailureRate = errors.New("failure rate must be between 0 and 1")

// Option defines a functional option for configuring EventStore.
type Option func(*EventStore) error

// WithLogger sets the logger for the EventStore.
func WithLogger(logger eventstore.Logger) Option {
	return func(es *EventStore) error {
		es.logger = logger
		return nil
	}
}

// WithClock sets the source of CreatedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(es *EventStore) error {
		if now != nil {
			es.now = now
		}

		return nil
	}
}

// WithFailureRate makes Append fail with eventstore.ErrBackendUnavailable for the given share of calls.
func WithFailureRate(rate float64) Option {
	return func(es *EventStore) error {
		if rate < 0 || rate > 1 {
			return ErrInvalidFailureRate
		}

		es.failureRate = rate

		return nil
	}
}

// WithRandomSeed makes fault injection reproducible.
func WithRandomSeed(seed uint64) Option {
	return func(es *EventStore) error {
		es.seed = seed
		return nil
	}
}
