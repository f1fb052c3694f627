package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	. "github.com/AntonStoeckl/eventstore-tail/scheduler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) At(offset time.Duration) time.Time {
	return time.Unix(0, 0).UTC().Add(offset)
}

type firedLog struct {
	mu    sync.Mutex
	names []string
}

func (l *firedLog) action(name string) Action {
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.names = append(l.names, name)
	}
}

func (l *firedLog) fired() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.names...)
}

func givenSchedulerWithManualTicks(t *testing.T) (*Scheduler, *fakeClock, chan time.Time) {
	t.Helper()

	clock := newFakeClock()
	ticks := make(chan time.Time)
	s, err := New(WithClock(clock), WithTicks(ticks))
	require.NoError(t, err, "creating the scheduler failed")

	return s, clock, ticks
}

func Test_ScheduleOnce_When_TheDelayHasNotElapsed_NeverFires(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, clock, ticks := givenSchedulerWithManualTicks(t)
	defer s.Close()
	log := &firedLog{}

	// arrange
	s.ScheduleOnce(log.action("a"), time.Second)

	// act
	ticks <- clock.At(500 * time.Millisecond)
	ticks <- clock.At(999 * time.Millisecond)

	// assert
	assert.Never(t, func() bool { return len(log.fired()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, s.Pending())

	// act
	ticks <- clock.At(time.Second)

	// assert
	assert.Eventually(t, func() bool { return len(log.fired()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func Test_ScheduleOnce_When_SeveralAreDue_FiresEarliestFirstWithinOneTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, clock, ticks := givenSchedulerWithManualTicks(t)
	defer s.Close()
	log := &firedLog{}

	// arrange
	s.ScheduleOnce(log.action("late"), 2*time.Second)
	s.ScheduleOnce(log.action("early"), time.Second)
	s.ScheduleOnce(log.action("middle"), 1500*time.Millisecond)

	// act
	ticks <- clock.At(3 * time.Second)

	// assert
	assert.Eventually(t, func() bool { return len(log.fired()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"early", "middle", "late"}, log.fired())
}

func Test_ScheduleOnce_When_DelayIsZeroOrNegative_FiresOnTheNextTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, clock, ticks := givenSchedulerWithManualTicks(t)
	defer s.Close()
	log := &firedLog{}

	// arrange
	s.ScheduleOnce(log.action("zero"), 0)
	s.ScheduleOnce(log.action("negative"), -time.Second)

	// assert
	assert.Never(t, func() bool { return len(log.fired()) > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	// act
	ticks <- clock.At(0)

	// assert
	assert.Eventually(t, func() bool { return len(log.fired()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"zero", "negative"}, log.fired())
}

func Test_ScheduleOnce_When_ScheduledTwice_KeepsIndependentEntries(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, clock, ticks := givenSchedulerWithManualTicks(t)
	defer s.Close()
	log := &firedLog{}
	action := log.action("same")

	// arrange
	s.ScheduleOnce(action, time.Second)
	s.ScheduleOnce(action, time.Second)

	// act
	ticks <- clock.At(time.Second)

	// assert
	assert.Eventually(t, func() bool { return len(log.fired()) == 2 }, time.Second, 5*time.Millisecond)
}

func Test_Close_When_ActionsArePending_DiscardsThemUnrun(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, clock, ticks := givenSchedulerWithManualTicks(t)
	log := &firedLog{}

	// arrange
	s.ScheduleOnce(log.action("pending"), time.Second)
	assert.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, 5*time.Millisecond)

	// act
	s.Close()

	select {
	case ticks <- clock.At(time.Hour):
	default:
	}
	s.ScheduleOnce(log.action("after-close"), 0)
	asyncErr := s.ScheduleOnceAsync(context.Background(), log.action("after-close-async"), 0)

	// assert
	assert.ErrorIs(t, asyncErr, ErrSchedulerClosed)
	assert.Never(t, func() bool { return len(log.fired()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func Test_ScheduleOnceAsync_When_ContextIsCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, _, _ := givenSchedulerWithManualTicks(t)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// act
	err := s.ScheduleOnceAsync(ctx, func() {}, time.Second)

	// assert
	assert.ErrorIs(t, err, context.Canceled)
	assert.Never(t, func() bool { return s.Pending() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func Test_ScheduleOnceAsync_AcceptsAndFires(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, clock, ticks := givenSchedulerWithManualTicks(t)
	defer s.Close()
	log := &firedLog{}

	// act
	err := s.ScheduleOnceAsync(context.Background(), log.action("async"), 100*time.Millisecond)
	require.NoError(t, err)
	ticks <- clock.At(100 * time.Millisecond)

	// assert
	assert.Eventually(t, func() bool { return len(log.fired()) == 1 }, time.Second, 5*time.Millisecond)
}

func Test_Scheduler_When_AnActionPanics_KeepsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, clock, ticks := givenSchedulerWithManualTicks(t)
	defer s.Close()
	log := &firedLog{}

	// arrange
	s.ScheduleOnce(func() { panic("boom") }, 0)
	s.ScheduleOnce(log.action("after-panic"), 0)

	// act
	ticks <- clock.At(0)

	// assert
	assert.Eventually(t, func() bool { return len(log.fired()) == 1 }, time.Second, 5*time.Millisecond)
}

func Test_Scheduler_When_UsingTheRealTicker_FiresNoEarlierThanTheDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	// setup
	s, err := New(WithTickInterval(5 * time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	firedAt := make(chan time.Time, 1)
	delay := 40 * time.Millisecond

	// act
	requestedAt := time.Now()
	s.ScheduleOnce(func() { firedAt <- time.Now() }, delay)

	// assert
	select {
	case at := <-firedAt:
		assert.GreaterOrEqual(t, at.Sub(requestedAt), delay)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled action did not fire")
	}
}

func Test_New_When_OptionsAreInvalid(t *testing.T) {
	_, err := New(WithTickInterval(0))
	assert.ErrorIs(t, err, ErrInvalidTickInterval)

	_, err = New(WithClock(nil))
	assert.ErrorIs(t, err, ErrNilClock)

	_, err = New(WithTicks(nil))
	assert.ErrorIs(t, err, ErrNilTicks)
}
