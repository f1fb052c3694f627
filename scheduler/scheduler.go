package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/AntonStoeckl/eventstore-tail/actor"
)

const (
	defaultTickInterval = 100 * time.Millisecond

	metricPendingActions = "tail_scheduler_pending_actions"
	metricActionsFired   = "tail_scheduler_actions_fired_total"
	metricActionPanics   = "tail_scheduler_action_panics_total"

	logMsgScheduleDropped = "schedule request dropped, scheduler is closed"
	logMsgActionPanicked  = "scheduled action panicked"
	logMsgClosed          = "scheduler closed"
	logAttrDelayMS        = "delay_ms"
	logAttrDiscarded      = "discarded_actions"
	logAttrRecovered      = "recovered"
)

// ErrSchedulerClosed is returned by ScheduleOnceAsync after Close.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Action is a callback executed once its due time has been reached.
type Action func()

// message is the closed set of messages processed by the scheduler loop.
type message interface {
	isSchedulerMessage()
}

type scheduleOnce struct {
	action Action
	due    time.Time
}

type tick struct {
	now time.Time
}

func (scheduleOnce) isSchedulerMessage() {}
func (tick) isSchedulerMessage()         {}

type scheduledAction struct {
	action Action
	due    time.Time
}

// Scheduler holds pending delayed actions and runs them on its own loop when they become due.
type Scheduler struct {
	clock            Clock
	tickInterval     time.Duration
	externalTicks    <-chan time.Time
	logger           Logger
	metricsCollector MetricsCollector

	loop      *actor.Actor[message]
	stopTicks chan struct{}
	tickerWG  sync.WaitGroup
	closeOnce sync.Once

	// pending is owned by the loop. pendingCount mirrors its length for observers.
	pending      []scheduledAction
	pendingCount atomic.Int64
}

// New creates a Scheduler and starts its tick source and loop.
func New(options ...Option) (*Scheduler, error) {
	s := &Scheduler{
		clock:        ClockFunc(time.Now),
		tickInterval: defaultTickInterval,
		stopTicks:    make(chan struct{}),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	s.loop = actor.Spawn(context.Background(), s.handle, actor.OnStop(s.discardPending))

	s.tickerWG.Add(1)
	go s.forwardTicks()

	return s, nil
}

// ScheduleOnce requests that action runs no earlier than delay from now. It never blocks.
// A request made after Close is dropped.
func (s *Scheduler) ScheduleOnce(action Action, delay time.Duration) {
	if !s.loop.Post(s.newScheduleOnce(action, delay)) {
		s.logDebug(logMsgScheduleDropped, logAttrDelayMS, delay.Milliseconds())
	}
}

// ScheduleOnceAsync is the awaitable variant of ScheduleOnce. It returns once the request was
// accepted, with the context error if ctx is done first, or with ErrSchedulerClosed after Close.
func (s *Scheduler) ScheduleOnceAsync(ctx context.Context, action Action, delay time.Duration) error {
	err := s.loop.Send(ctx, s.newScheduleOnce(action, delay))
	if errors.Is(err, actor.ErrMailboxClosed) {
		return ErrSchedulerClosed
	}

	return err
}

// Pending returns the number of actions waiting for their due time.
func (s *Scheduler) Pending() int {
	return int(s.pendingCount.Load())
}

// Close stops the tick source and the loop. Pending actions are discarded without being run.
// Close waits for an action that is currently running to return.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.stopTicks)
		s.tickerWG.Wait()
		s.loop.Stop()

		s.logInfo(logMsgClosed)
	})
}

func (s *Scheduler) newScheduleOnce(action Action, delay time.Duration) scheduleOnce {
	return scheduleOnce{action: action, due: s.clock.Now().Add(delay)}
}

// forwardTicks turns the tick source into tick messages.
func (s *Scheduler) forwardTicks() {
	defer s.tickerWG.Done()

	ticks := s.externalTicks
	if ticks == nil {
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-s.stopTicks:
			return
		case now, ok := <-ticks:
			if !ok {
				return
			}
			s.loop.Post(tick{now: now})
		}
	}
}

func (s *Scheduler) handle(_ context.Context, msg message) {
	switch m := msg.(type) {
	case scheduleOnce:
		s.pending = append(s.pending, scheduledAction(m))

	case tick:
		s.runDue(m.now)
	}

	s.pendingCount.Store(int64(len(s.pending)))
}

// runDue partitions pending into due and not-yet-due, runs the due ones ordered by due time
// and retains the rest.
func (s *Scheduler) runDue(now time.Time) {
	var due []scheduledAction
	remaining := s.pending[:0]

	for _, candidate := range s.pending {
		if candidate.due.After(now) {
			remaining = append(remaining, candidate)
			continue
		}
		due = append(due, candidate)
	}

	clear(s.pending[len(remaining):])
	s.pending = remaining

	if len(due) == 0 {
		return
	}

	slices.SortStableFunc(due, func(a, b scheduledAction) int {
		return a.due.Compare(b.due)
	})

	for _, d := range due {
		s.run(d.action)
	}

	if s.metricsCollector != nil {
		s.metricsCollector.RecordValue(metricPendingActions, float64(len(s.pending)), nil)
	}
}

func (s *Scheduler) run(action Action) {
	defer func() {
		if r := recover(); r != nil {
			s.logError(logMsgActionPanicked, logAttrRecovered, slog.AnyValue(r).String())
			if s.metricsCollector != nil {
				s.metricsCollector.IncrementCounter(metricActionPanics, nil)
			}
		}
	}()

	action()

	if s.metricsCollector != nil {
		s.metricsCollector.IncrementCounter(metricActionsFired, nil)
	}
}

// discardPending runs on the loop after its last message.
func (s *Scheduler) discardPending() {
	if len(s.pending) > 0 {
		s.logDebug(logMsgClosed, logAttrDiscarded, len(s.pending))
	}

	s.pending = nil
	s.pendingCount.Store(0)
}

func (s *Scheduler) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Scheduler) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scheduler) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
