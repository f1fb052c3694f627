package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
	"github.com/AntonStoeckl/eventstore-tail/scheduler"
)

const (
	defaultMinDelay     = 100 * time.Millisecond
	defaultMaxDelay     = 5000 * time.Millisecond
	defaultMinBatchSize = 1
	defaultMaxBatchSize = 99
	defaultMinSentences = 5
	defaultMaxSentences = 10
	defaultStreamPrefix = "producer-"
	defaultProducers    = 100
)

var (
	// ErrInvalidDelayRange is returned when the jitter range is negative or inverted.
	ErrInvalidDelayRange = errors.New("delay range is invalid")

	// ErrInvalidBatchSizeRange is returned when the batch size range is not within 1 and its maximum.
	ErrInvalidBatchSizeRange = errors.New("batch size range is invalid")

	// ErrInvalidSentenceRange is returned when the sentence count range is not positive or inverted.
	ErrInvalidSentenceRange = errors.New("sentence range is invalid")

	// ErrInvalidActorCount is returned for a negative number of producers or consumers.
	ErrInvalidActorCount = errors.New("actor count must not be negative")

	// ErrEmptyStreamPrefix is returned when the stream prefix is empty.
	ErrEmptyStreamPrefix = errors.New("stream prefix must not be empty")

	// ErrUnknownMode is returned when parsing an unknown producer mode or singular policy.
	ErrUnknownMode = errors.New("unknown mode")

	// ErrNilBackend is returned when a nil backend is supplied.
	ErrNilBackend = errors.New("backend must not be nil")

	// ErrNilScheduler is returned when a nil scheduler is supplied.
	ErrNilScheduler = errors.New("scheduler must not be nil")
)

// Mode selects how a Producer writes a synthesized batch.
type Mode int

const (
	// Batched appends the whole batch with one call.
	Batched Mode = iota

	// Singular appends with one call per message of the batch, see SingularPolicy.
	Singular
)

func (m Mode) String() string {
	switch m {
	case Batched:
		return "batched"
	case Singular:
		return "singular"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps "batched" and "singular" to a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "batched":
		return Batched, nil
	case "singular":
		return Singular, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, value)
	}
}

// SingularPolicy decides what one call of the Singular mode appends.
type SingularPolicy int

const (
	// SingularRepeatBatch appends the whole batch on every call, as many times as the batch has
	// messages, always with the expected version the request started with. The follow-up request
	// uses the version reported by the last call. Against a backend with idempotent appends only
	// the first call writes.
	//
	// A request whose first call wrote and whose later call failed never recovers: the retry keeps
	// the expected version the request started with but carries a fresh batch, so the backend
	// reports a concurrency conflict on every attempt from then on. Use SingularOnePerCall when
	// the backend can fail with anything but a conflict.
	SingularRepeatBatch SingularPolicy = iota

	// SingularOnePerCall appends one message per call and advances the expected version after
	// every call.
	SingularOnePerCall
)

func (p SingularPolicy) String() string {
	switch p {
	case SingularRepeatBatch:
		return "repeat-batch"
	case SingularOnePerCall:
		return "one-per-call"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseSingularPolicy maps "repeat-batch" and "one-per-call" to a SingularPolicy.
func ParseSingularPolicy(value string) (SingularPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "repeat-batch":
		return SingularRepeatBatch, nil
	case "one-per-call":
		return SingularOnePerCall, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, value)
	}
}

// OrderingViolation describes a message whose position is lower than the one observed before it.
type OrderingViolation struct {
	ConsumerID   int
	Position     int64
	LastObserved int64
}

type settings struct {
	minDelay       time.Duration
	maxDelay       time.Duration
	minBatchSize   int
	maxBatchSize   int
	minSentences   int
	maxSentences   int
	mode           Mode
	singularPolicy SingularPolicy
	streamPrefix   string
	seed           uint64
	seeded         bool
	onViolation    func(OrderingViolation)

	producers        int
	consumers        int
	schedulerOptions []scheduler.Option

	telemetry telemetry
}

func defaultSettings() settings {
	return settings{
		minDelay:     defaultMinDelay,
		maxDelay:     defaultMaxDelay,
		minBatchSize: defaultMinBatchSize,
		maxBatchSize: defaultMaxBatchSize,
		minSentences: defaultMinSentences,
		maxSentences: defaultMaxSentences,
		streamPrefix: defaultStreamPrefix,
		producers:    defaultProducers,
	}
}

func buildSettings(options []Option) (settings, error) {
	s := defaultSettings()

	for _, option := range options {
		if err := option(&s); err != nil {
			return settings{}, err
		}
	}

	return s, nil
}

// Option defines a functional option for configuring producers, consumers and the Harness.
type Option func(*settings) error

// WithDelayRange sets the range of the random delay before a follow-up append, a retry, or a
// resubscribe. The default is 100 ms to 5000 ms.
func WithDelayRange(minDelay, maxDelay time.Duration) Option {
	return func(s *settings) error {
		if minDelay < 0 || maxDelay < minDelay {
			return ErrInvalidDelayRange
		}

		s.minDelay = minDelay
		s.maxDelay = maxDelay

		return nil
	}
}

// WithBatchSizeRange sets how many messages a Producer synthesizes per request. The default is 1 to 99.
func WithBatchSizeRange(minSize, maxSize int) Option {
	return func(s *settings) error {
		if minSize < 1 || maxSize < minSize {
			return ErrInvalidBatchSizeRange
		}

		s.minBatchSize = minSize
		s.maxBatchSize = maxSize

		return nil
	}
}

// WithSentenceRange sets how many lorem ipsum sentences one message carries. The default is 5 to 10.
func WithSentenceRange(minSentences, maxSentences int) Option {
	return func(s *settings) error {
		if minSentences < 1 || maxSentences < minSentences {
			return ErrInvalidSentenceRange
		}

		s.minSentences = minSentences
		s.maxSentences = maxSentences

		return nil
	}
}

// WithMode sets the producer mode. The default is Batched.
func WithMode(mode Mode) Option {
	return func(s *settings) error {
		if mode != Batched && mode != Singular {
			return ErrUnknownMode
		}

		s.mode = mode

		return nil
	}
}

// WithSingularPolicy sets what a call appends in Singular mode. The default is SingularRepeatBatch.
func WithSingularPolicy(policy SingularPolicy) Option {
	return func(s *settings) error {
		if policy != SingularRepeatBatch && policy != SingularOnePerCall {
			return ErrUnknownMode
		}

		s.singularPolicy = policy

		return nil
	}
}

// WithStreamPrefix sets the prefix of producer stream ids. The default is "producer-".
func WithStreamPrefix(prefix string) Option {
	return func(s *settings) error {
		if prefix == "" {
			return ErrEmptyStreamPrefix
		}

		s.streamPrefix = prefix

		return nil
	}
}

// WithRandomSeed makes batch sizes, payloads and delays reproducible.
func WithRandomSeed(seed uint64) Option {
	return func(s *settings) error {
		s.seed = seed
		s.seeded = true

		return nil
	}
}

// WithOrderingViolationHook registers f to be called for every ordering violation a Consumer detects.
// f runs on the consumer's loop and must return quickly.
func WithOrderingViolationHook(f func(OrderingViolation)) Option {
	return func(s *settings) error {
		s.onViolation = f
		return nil
	}
}

// WithProducers sets how many producers the Harness runs. The default is 100.
func WithProducers(n int) Option {
	return func(s *settings) error {
		if n < 0 {
			return ErrInvalidActorCount
		}

		s.producers = n

		return nil
	}
}

// WithConsumers sets how many consumers the Harness runs. The default is 0.
func WithConsumers(n int) Option {
	return func(s *settings) error {
		if n < 0 {
			return ErrInvalidActorCount
		}

		s.consumers = n

		return nil
	}
}

// WithSchedulerOptions passes options to the Scheduler the Harness creates.
func WithSchedulerOptions(options ...scheduler.Option) Option {
	return func(s *settings) error {
		s.schedulerOptions = append(s.schedulerOptions, options...)
		return nil
	}
}

// WithLogger sets the logger for operational logging.
func WithLogger(logger eventstore.Logger) Option {
	return func(s *settings) error {
		s.telemetry.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger. It takes precedence over WithLogger.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(s *settings) error {
		s.telemetry.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(s *settings) error {
		s.telemetry.metricsCollector = collector
		return nil
	}
}
