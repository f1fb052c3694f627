// Package scheduler delivers once-only delayed actions without one timer per request.
//
// A Scheduler is itself an actor: one periodic tick posts the current time into its mailbox,
// and a single loop keeps the set of pending actions. On every tick the loop runs each action
// whose due time has been reached, in due-time order, and keeps the rest.
//
// Firing latency is the requested delay rounded up to the next tick; an action never fires early.
// Actions still pending when the Scheduler is closed are discarded, never run late.
//
// Actions run on the scheduler loop and must be fast. The usual action posts a message into
// another actor's mailbox:
//
//	s.ScheduleOnce(func() { producer.Post(next) }, 250*time.Millisecond)
package scheduler
