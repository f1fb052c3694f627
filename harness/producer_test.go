package harness_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/AntonStoeckl/eventstore-tail/eventstore"
	. "github.com/AntonStoeckl/eventstore-tail/harness"
	"github.com/AntonStoeckl/eventstore-tail/testutil/helper"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func givenStartedProducer(t *testing.T, backend Appender, sched *helper.SchedulerSpy, options ...Option) *Producer {
	t.Helper()

	options = append([]Option{WithRandomSeed(42)}, options...)
	producer, err := NewProducer(7, backend, sched, options...)
	require.NoError(t, err)
	t.Cleanup(producer.Stop)

	producer.Start()

	return producer
}

// runRequests lets the producer handle n follow-up requests, one at a time.
func runRequests(t *testing.T, sched *helper.SchedulerSpy, n int) {
	t.Helper()

	for range n {
		require.Eventually(t, func() bool { return sched.PendingCount() == 1 }, waitFor, tick)
		sched.RunPending()
	}

	require.Eventually(t, func() bool { return sched.PendingCount() == 1 }, waitFor, tick)
}

func Test_Producer_Batched_ChainsTheExpectedVersion(t *testing.T) {
	// setup
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()

	// act
	producer := givenStartedProducer(t, backend, sched)
	runRequests(t, sched, 5)
	producer.Stop()

	// assert
	calls := backend.AppendCalls()
	require.Len(t, calls, 6)
	assert.Equal(t, NoStream, calls[0].Expected)

	for k := 1; k < len(calls); k++ {
		previous := calls[k-1]
		newVersion := ExpectedVersion(int64(previous.Expected) + int64(len(previous.MessageIDs)))
		assert.Equal(t, newVersion, calls[k].Expected, "call %d", k)
		assert.Equal(t, "producer-7", calls[k].StreamID)
	}

	stats := producer.Stats()
	assert.Equal(t, int64(6), stats.AppendCalls)
	assert.Equal(t, int64(0), stats.Conflicts)
	assert.Equal(t, backend.StreamVersion("producer-7")+1, stats.MessagesAppended)
}

func Test_Producer_Batched_SynthesizesBatchesWithinTheConfiguredRange(t *testing.T) {
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()

	producer := givenStartedProducer(t, backend, sched, WithBatchSizeRange(2, 4))
	runRequests(t, sched, 10)
	producer.Stop()

	for _, call := range backend.AppendCalls() {
		assert.GreaterOrEqual(t, len(call.MessageIDs), 2)
		assert.LessOrEqual(t, len(call.MessageIDs), 4)
	}
}

func Test_Producer_Batched_When_Conflict_RetriesWithTheSameExpectedVersion(t *testing.T) {
	// setup
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()
	producer := givenStartedProducer(t, backend, sched)
	runRequests(t, sched, 1)

	// arrange
	backend.FailNextAppends(ErrConcurrencyConflict)

	// act
	runRequests(t, sched, 2)
	producer.Stop()

	// assert
	calls := backend.AppendCalls()
	require.Len(t, calls, 4)
	assert.Equal(t, calls[2].Expected, calls[3].Expected, "the retry must reuse the expected version of the failed call")
	assert.NotEqual(t, NoStream, calls[2].Expected)

	stats := producer.Stats()
	assert.Equal(t, int64(1), stats.Conflicts)
	assert.Equal(t, int64(1), stats.Retries)
	assert.Equal(t, int64(0), stats.Failures)
}

func Test_Producer_When_BackendFails_LogsAndRetries(t *testing.T) {
	// setup
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()
	logSpy := helper.NewLogHandlerSpy(false)
	metricsSpy := helper.NewMetricsCollectorSpy(true)

	// arrange
	backend.FailNextAppends(errors.Join(ErrAppendingMessagesFailed, ErrBackendUnavailable))

	// act
	producer := givenStartedProducer(t, backend, sched, WithLogger(slog.New(logSpy)), WithMetrics(metricsSpy))
	runRequests(t, sched, 1)
	producer.Stop()

	// assert
	calls := backend.AppendCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, NoStream, calls[0].Expected)
	assert.Equal(t, NoStream, calls[1].Expected)

	assert.Equal(t, int64(1), producer.Stats().Failures)
	assert.True(t, logSpy.HasWarnLogWithMessage("harness: append failed, retrying").
		WithAttr("stream_id", "producer-7").
		WithAttr("expected_version", "no_stream").
		Assert())
	assert.True(t, metricsSpy.HasCounterRecordForMetric(MetricAppendFailuresTotal).WithErrorType(ErrorTypeOther).Assert())
	assert.True(t, metricsSpy.HasCounterRecordForMetric(MetricAppendsTotal).WithLabel("mode", "batched").Assert())
	assert.True(t, metricsSpy.HasDurationRecordForMetric(MetricAppendDuration).WithStatus("error").Assert())
}

func Test_Producer_SingularOnePerCall_AdvancesTheExpectedVersionPerMessage(t *testing.T) {
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()

	producer := givenStartedProducer(t, backend, sched,
		WithMode(Singular), WithSingularPolicy(SingularOnePerCall), WithBatchSizeRange(3, 3))
	runRequests(t, sched, 1)
	producer.Stop()

	calls := backend.AppendCalls()
	require.Len(t, calls, 6)

	expected := []ExpectedVersion{NoStream, 0, 1, 2, 3, 4}
	for k, call := range calls {
		assert.Equal(t, expected[k], call.Expected, "call %d", k)
		assert.Len(t, call.MessageIDs, 1)
	}
}

func Test_Producer_SingularRepeatBatch_RepeatsTheWholeBatchWithTheInitialExpectedVersion(t *testing.T) {
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()

	producer := givenStartedProducer(t, backend, sched,
		WithMode(Singular), WithSingularPolicy(SingularRepeatBatch), WithBatchSizeRange(3, 3))
	runRequests(t, sched, 1)
	producer.Stop()

	calls := backend.AppendCalls()
	require.Len(t, calls, 6)

	for k := range 3 {
		assert.Equal(t, NoStream, calls[k].Expected)
		assert.Equal(t, calls[0].MessageIDs, calls[k].MessageIDs)
		assert.Len(t, calls[k].MessageIDs, 3)
	}

	assert.Equal(t, ExpectedVersion(2), calls[3].Expected, "the follow-up uses the version of the last call")
	assert.Equal(t, int64(5), backend.StreamVersion("producer-7"), "only the first call of each request writes")
}

func Test_Producer_SingularRepeatBatch_When_ARepeatFailsAfterTheFirstWrite_ConflictsOnEveryRetry(t *testing.T) {
	// setup
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()
	producer, err := NewProducer(7, backend, sched,
		WithRandomSeed(42), WithMode(Singular), WithSingularPolicy(SingularRepeatBatch), WithBatchSizeRange(3, 3))
	require.NoError(t, err)
	t.Cleanup(producer.Stop)

	// arrange
	backend.FailNextAppends(nil, errors.New("connection reset"))

	// act
	producer.Start()
	runRequests(t, sched, 3)
	producer.Stop()

	// assert
	calls := backend.AppendCalls()
	require.Len(t, calls, 2+3, "the failing request stops after its second call, each retry after its first")
	assert.Equal(t, calls[0].MessageIDs, calls[1].MessageIDs)

	for k := 2; k < len(calls); k++ {
		assert.Equal(t, NoStream, calls[k].Expected, "call %d", k)
		assert.NotEqual(t, calls[0].MessageIDs, calls[k].MessageIDs, "call %d carries a fresh batch", k)
	}

	stats := producer.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(3), stats.Conflicts)
	assert.Equal(t, int64(4), stats.Retries)
	assert.Equal(t, int64(2), backend.StreamVersion("producer-7"), "nothing is written after the first call")
}

func Test_Producer_SingularOnePerCall_When_ACallFails_RetriesWithTheLatestKnownVersion(t *testing.T) {
	// setup
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()
	producer := givenStartedProducer(t, backend, sched,
		WithMode(Singular), WithSingularPolicy(SingularOnePerCall), WithBatchSizeRange(3, 3))
	runRequests(t, sched, 0)

	// arrange
	require.Equal(t, 3, backend.AppendCallCount())

	// act
	backend.FailNextAppends(nil, ErrConcurrencyConflict)
	runRequests(t, sched, 2)
	producer.Stop()

	// assert
	calls := backend.AppendCalls()
	require.Len(t, calls, 3+2+3)
	assert.Equal(t, ExpectedVersion(2), calls[3].Expected)
	assert.Equal(t, ExpectedVersion(3), calls[4].Expected)
	assert.Equal(t, ExpectedVersion(3), calls[5].Expected, "the retry continues after the last successful call")
}

func Test_Producer_SchedulesWithinTheDelayRange(t *testing.T) {
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()

	producer := givenStartedProducer(t, backend, sched, WithDelayRange(100*time.Millisecond, 200*time.Millisecond))
	runRequests(t, sched, 20)
	producer.Stop()

	delays := sched.Delays()
	require.NotEmpty(t, delays)

	for _, delay := range delays {
		assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
		assert.LessOrEqual(t, delay, 200*time.Millisecond)
	}
}

func Test_Producer_When_Stopped_IssuesNoFurtherBackendCalls(t *testing.T) {
	// setup
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()
	producer := givenStartedProducer(t, backend, sched)
	runRequests(t, sched, 2)

	// act
	producer.Stop()
	callsAtStop := backend.AppendCallCount()
	sched.RunPending()

	// assert
	assert.Never(t, func() bool { return backend.AppendCallCount() != callsAtStop }, 50*time.Millisecond, tick)
	assert.Equal(t, 0, sched.PendingCount())
}

func Test_Producer_Start_IsIdempotent(t *testing.T) {
	backend := helper.NewBackendFake()
	sched := helper.NewSchedulerSpy()

	producer := givenStartedProducer(t, backend, sched)
	producer.Start()

	require.Eventually(t, func() bool { return sched.PendingCount() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return backend.AppendCallCount() > 1 }, 50*time.Millisecond, tick)
}

func Test_NewProducer_When_ArgumentsAreInvalid(t *testing.T) {
	sched := helper.NewSchedulerSpy()
	backend := helper.NewBackendFake()

	testCases := []struct {
		name     string
		backend  Appender
		sched    Scheduler
		options  []Option
		expected error
	}{
		{"nil backend", nil, sched, nil, ErrNilBackend},
		{"nil scheduler", backend, nil, nil, ErrNilScheduler},
		{"inverted delay range", backend, sched, []Option{WithDelayRange(time.Second, time.Millisecond)}, ErrInvalidDelayRange},
		{"negative delay", backend, sched, []Option{WithDelayRange(-time.Second, time.Second)}, ErrInvalidDelayRange},
		{"empty batch", backend, sched, []Option{WithBatchSizeRange(0, 3)}, ErrInvalidBatchSizeRange},
		{"no sentences", backend, sched, []Option{WithSentenceRange(0, 0)}, ErrInvalidSentenceRange},
		{"unknown mode", backend, sched, []Option{WithMode(Mode(9))}, ErrUnknownMode},
		{"unknown policy", backend, sched, []Option{WithSingularPolicy(SingularPolicy(9))}, ErrUnknownMode},
		{"empty prefix", backend, sched, []Option{WithStreamPrefix("")}, ErrEmptyStreamPrefix},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			producer, err := NewProducer(1, tc.backend, tc.sched, tc.options...)

			assert.ErrorIs(t, err, tc.expected)
			assert.Nil(t, producer)
		})
	}
}

func Test_ParseMode_And_ParseSingularPolicy(t *testing.T) {
	mode, err := ParseMode("Singular")
	require.NoError(t, err)
	assert.Equal(t, Singular, mode)
	assert.Equal(t, "batched", Batched.String())

	policy, err := ParseSingularPolicy("one-per-call")
	require.NoError(t, err)
	assert.Equal(t, SingularOnePerCall, policy)
	assert.Equal(t, "repeat-batch", SingularRepeatBatch.String())

	_, err = ParseMode("bulk")
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = ParseSingularPolicy("sometimes")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
