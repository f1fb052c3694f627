// Package actor provides the concurrency primitive every load-generating component is built on:
// an unbounded FIFO Mailbox consumed by exactly one processing loop.
//
// All state owned by an actor is read and written only between two Receive calls of its loop,
// so the state needs no locks. Other goroutines (timers, backend callbacks) never touch that
// state directly, they post a message instead.
//
// Typical usage:
//
//	a := actor.Spawn(ctx, func(ctx context.Context, msg command) {
//		switch m := msg.(type) {
//		case appendRequested:
//			// mutate loop-owned state
//		}
//	})
//	a.Post(appendRequested{})
//	defer a.Stop()
package actor
