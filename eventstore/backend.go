package eventstore

import (
	"context"
	"fmt"
)

// ExpectedVersion is the optimistic-concurrency token of an append.
//
// A non-negative value is the version of the last message the caller has seen in the stream;
// stream versions start at 0. The sentinels NoStream and AnyVersion are negative.
type ExpectedVersion int64

const (
	// NoStream expects the stream to be empty.
	NoStream ExpectedVersion = -1

	// AnyVersion disables the concurrency check.
	AnyVersion ExpectedVersion = -2
)

// Validate rejects negative values other than the sentinels.
func (v ExpectedVersion) Validate() error {
	if v < AnyVersion {
		return ErrInvalidExpectedVersion
	}

	return nil
}

// String provides a string representation of ExpectedVersion for logging.
func (v ExpectedVersion) String() string {
	switch v {
	case NoStream:
		return "no_stream"
	case AnyVersion:
		return "any"
	default:
		return fmt.Sprintf("%d", int64(v))
	}
}

// AppendResult is returned by a successful append.
type AppendResult struct {
	// CurrentVersion is the stream version of the last message in the stream after the append.
	CurrentVersion int64

	// CurrentPosition is the global position of the last appended message.
	CurrentPosition int64
}

// NextExpectedVersion is the expected version a follow-up append to the same stream must use.
func (r AppendResult) NextExpectedVersion() ExpectedVersion {
	return ExpectedVersion(r.CurrentVersion)
}

// Cursor is an optional global position. The zero value is unset and means "from the beginning".
type Cursor struct {
	position int64
	set      bool
}

// CursorAt returns a Cursor set to position.
func CursorAt(position int64) Cursor {
	return Cursor{position: position, set: true}
}

// Position returns the position and whether the Cursor is set.
func (c Cursor) Position() (int64, bool) {
	return c.position, c.set
}

// IsSet reports whether the Cursor holds a position.
func (c Cursor) IsSet() bool {
	return c.set
}

// String provides a string representation of Cursor for logging.
func (c Cursor) String() string {
	if !c.set {
		return "unset"
	}

	return fmt.Sprintf("%d", c.position)
}

// DropReason tells why a subscription stopped delivering messages.
type DropReason string

const (
	// DropReasonSubscriptionError means reading the feed failed; the cause carries the error.
	DropReasonSubscriptionError DropReason = "subscription_error"

	// DropReasonSubscriberError means the message handler failed.
	DropReasonSubscriberError DropReason = "subscriber_error"

	// DropReasonServerShutdown means the backend closed the subscription on its own.
	DropReasonServerShutdown DropReason = "server_shutdown"
)

// MessageHandler receives messages of the global feed in position order.
// It runs on backend-managed goroutines and must not touch caller state directly.
type MessageHandler func(msg StreamMessage)

// DropHandler is invoked at most once per subscription when it stops delivering for a reason other
// than Release. The cause may be nil.
type DropHandler func(reason DropReason, cause error)

// Subscription is a handle to a live subscription to the global feed.
type Subscription interface {
	// Release stops delivery and frees backend-side resources. The DropHandler is not invoked.
	// Release is idempotent.
	Release()
}

// Appender appends messages to one stream.
type Appender interface {
	// Append writes messages to streamID if the stream's current version matches expected.
	// It fails with ErrConcurrencyConflict on a mismatch, unless the same messages (by MessageID)
	// were already appended right after expected, in which case it succeeds without writing.
	Append(ctx context.Context, streamID string, expected ExpectedVersion, messages ...NewStreamMessage) (AppendResult, error)
}

// AllSubscriber subscribes to the global feed.
type AllSubscriber interface {
	// SubscribeAll delivers every message with a position after continueAfter,
	// or every message if continueAfter is unset.
	SubscribeAll(ctx context.Context, continueAfter Cursor, onMessage MessageHandler, onDropped DropHandler) (Subscription, error)
}

// Backend is the full contract the harness drives.
type Backend interface {
	Appender
	AllSubscriber
}
