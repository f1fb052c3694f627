package helper

import (
	"context"
	"sync"
	"time"

	"github.com/AntonStoeckl/eventstore-tail/scheduler"
)

// SchedulerSpy records scheduled actions and runs them only when RunPending is called.
type SchedulerSpy struct {
	mu      sync.Mutex
	pending []scheduler.Action
	delays  []time.Duration
}

// NewSchedulerSpy creates an empty SchedulerSpy.
func NewSchedulerSpy() *SchedulerSpy {
	return &SchedulerSpy{}
}

// ScheduleOnce records action.
func (s *SchedulerSpy) ScheduleOnce(action scheduler.Action, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, action)
	s.delays = append(s.delays, delay)
}

// ScheduleOnceAsync records action unless ctx is already done.
func (s *SchedulerSpy) ScheduleOnceAsync(ctx context.Context, action scheduler.Action, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.ScheduleOnce(action, delay)

	return nil
}

// PendingCount returns how many actions wait for RunPending.
func (s *SchedulerSpy) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Delays returns the delays of all actions scheduled so far, in scheduling order.
func (s *SchedulerSpy) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.delays...)
}

// RunPending runs and forgets every pending action and returns how many ran.
// Actions scheduled while running stay pending.
func (s *SchedulerSpy) RunPending() int {
	s.mu.Lock()
	actions := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, action := range actions {
		action()
	}

	return len(actions)
}

// DiscardPending forgets every pending action without running it.
func (s *SchedulerSpy) DiscardPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = nil
}
