package actor

import (
	"context"
	"errors"

	"github.com/Workiva/go-datastructures/queue"
)

const defaultMailboxHint = 64

// ErrMailboxClosed is returned when a message is sent to, or received from, a closed Mailbox.
var ErrMailboxClosed = errors.New("mailbox is closed")

// Mailbox is an unbounded, multi-producer single-consumer FIFO queue of messages of type T.
//
// Post and Send never block on capacity. Receive blocks until a message is available,
// the Mailbox is closed, or the given context is done.
// Exactly one goroutine may call Receive.
type Mailbox[T any] struct {
	underlying *queue.Queue
}

// NewMailbox creates an empty, open Mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{underlying: queue.New(defaultMailboxHint)}
}

// Post enqueues msg without blocking. It reports false if the Mailbox is already closed,
// in which case the message is dropped.
func (m *Mailbox[T]) Post(msg T) bool {
	return m.underlying.Put(msg) == nil
}

// Send enqueues msg and reports whether it was accepted.
// It fails with the context error if ctx is done before the message is enqueued
// and with ErrMailboxClosed if the Mailbox is closed.
func (m *Mailbox[T]) Send(ctx context.Context, msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.underlying.Put(msg); err != nil {
		return ErrMailboxClosed
	}

	return nil
}

// Receive dequeues the oldest message.
//
// A done context wins over pending messages: once ctx is done, Receive returns the context error
// and closes the Mailbox, discarding everything still queued.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		m.Close()
		return zero, err
	}

	stop := context.AfterFunc(ctx, func() { m.Close() })
	defer stop()

	items, err := m.underlying.Get(1)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		return zero, ErrMailboxClosed
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}

	msg, _ := items[0].(T)

	return msg, nil
}

// Close disposes the Mailbox. Pending messages are discarded and their count is returned.
// Close is idempotent.
func (m *Mailbox[T]) Close() int {
	return len(m.underlying.Dispose())
}

// Closed reports whether the Mailbox has been closed.
func (m *Mailbox[T]) Closed() bool {
	return m.underlying.Disposed()
}

// Len returns a snapshot of the number of queued messages.
func (m *Mailbox[T]) Len() int {
	return int(m.underlying.Len())
}
