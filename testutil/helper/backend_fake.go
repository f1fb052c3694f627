package helper

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

// AppendCall is one recorded call of BackendFake.Append.
type AppendCall struct {
	StreamID   string
	Expected   eventstore.ExpectedVersion
	MessageIDs []uuid.UUID
}

// BackendFake is an eventstore.Backend that keeps stream versions in memory, records every call,
// and fails calls on demand. Subscriptions never deliver on their own, tests push messages and drops
// through FakeSubscription.
type BackendFake struct {
	mu              sync.Mutex
	streams         map[string][]uuid.UUID
	position        int64
	appendCalls     []AppendCall
	appendErrors    []error
	subscriptions   []*FakeSubscription
	subscribeErrors []error
}

// NewBackendFake creates an empty BackendFake.
func NewBackendFake() *BackendFake {
	return &BackendFake{streams: make(map[string][]uuid.UUID)}
}

// FailNextAppends makes the next len(errs) appends fail with errs, in order. A nil entry lets that
// append go through.
func (b *BackendFake) FailNextAppends(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendErrors = append(b.appendErrors, errs...)
}

// FailNextSubscribes makes the next len(errs) subscribe calls fail with errs, in order.
func (b *BackendFake) FailNextSubscribes(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribeErrors = append(b.subscribeErrors, errs...)
}

// Append implements eventstore.Appender with expected-version checks and idempotent repeats.
func (b *BackendFake) Append(
	ctx context.Context,
	streamID string,
	expected eventstore.ExpectedVersion,
	messages ...eventstore.NewStreamMessage,
) (eventstore.AppendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]uuid.UUID, len(messages))
	for i, message := range messages {
		ids[i] = message.MessageID
	}

	b.appendCalls = append(b.appendCalls, AppendCall{StreamID: streamID, Expected: expected, MessageIDs: ids})

	if err := ctx.Err(); err != nil {
		return eventstore.AppendResult{}, err
	}

	if len(b.appendErrors) > 0 {
		err := b.appendErrors[0]
		b.appendErrors = b.appendErrors[1:]

		if err != nil {
			return eventstore.AppendResult{}, err
		}
	}

	stream := b.streams[streamID]
	current := int64(len(stream)) - 1

	if expected != eventstore.AnyVersion && int64(expected) != current {
		first := int64(expected) + 1
		last := first + int64(len(ids))
		if expected >= eventstore.NoStream && last <= int64(len(stream)) && slices.Equal(stream[first:last], ids) {
			return eventstore.AppendResult{CurrentVersion: last - 1, CurrentPosition: b.position}, nil
		}

		return eventstore.AppendResult{}, eventstore.ErrConcurrencyConflict
	}

	b.streams[streamID] = append(stream, ids...)
	b.position += int64(len(ids))

	return eventstore.AppendResult{
		CurrentVersion:  int64(len(b.streams[streamID])) - 1,
		CurrentPosition: b.position,
	}, nil
}

// AppendCalls returns a copy of all recorded append calls.
func (b *BackendFake) AppendCalls() []AppendCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.appendCalls)
}

// AppendCallCount returns the number of recorded append calls.
func (b *BackendFake) AppendCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.appendCalls)
}

// StreamVersion returns the current version of streamID, -1 for an empty stream.
func (b *BackendFake) StreamVersion(streamID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(len(b.streams[streamID])) - 1
}

// SubscribeAll implements eventstore.AllSubscriber by recording a FakeSubscription.
func (b *BackendFake) SubscribeAll(
	ctx context.Context,
	continueAfter eventstore.Cursor,
	onMessage eventstore.MessageHandler,
	onDropped eventstore.DropHandler,
) (eventstore.Subscription, error) {
	if onMessage == nil {
		return nil, eventstore.ErrNilMessageHandler
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribeErrors) > 0 {
		err := b.subscribeErrors[0]
		b.subscribeErrors = b.subscribeErrors[1:]

		if err != nil {
			return nil, err
		}
	}

	subscription := &FakeSubscription{
		continueAfter: continueAfter,
		onMessage:     onMessage,
		onDropped:     onDropped,
		released:      atomic.NewBool(false),
	}
	b.subscriptions = append(b.subscriptions, subscription)

	return subscription, nil
}

// Subscriptions returns all subscriptions created so far, in creation order.
func (b *BackendFake) Subscriptions() []*FakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.subscriptions)
}

// SubscriptionCount returns the number of subscriptions created so far.
func (b *BackendFake) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscriptions)
}

// LastSubscription returns the most recent subscription or nil.
func (b *BackendFake) LastSubscription() *FakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscriptions) == 0 {
		return nil
	}

	return b.subscriptions[len(b.subscriptions)-1]
}

// FakeSubscription is a subscription driven by the test.
type FakeSubscription struct {
	continueAfter eventstore.Cursor
	onMessage     eventstore.MessageHandler
	onDropped     eventstore.DropHandler
	released      *atomic.Bool
}

// ContinueAfter returns the cursor the subscription was opened with.
func (s *FakeSubscription) ContinueAfter() eventstore.Cursor {
	return s.continueAfter
}

// Deliver invokes the message handler once per position, in order.
func (s *FakeSubscription) Deliver(positions ...int64) {
	for _, position := range positions {
		s.onMessage(eventstore.StreamMessage{Position: position})
	}
}

// Drop invokes the drop handler.
func (s *FakeSubscription) Drop(reason eventstore.DropReason, cause error) {
	if s.onDropped != nil {
		s.onDropped(reason, cause)
	}
}

// Release implements eventstore.Subscription.
func (s *FakeSubscription) Release() {
	s.released.Store(true)
}

// Released reports whether Release was called.
func (s *FakeSubscription) Released() bool {
	return s.released.Load()
}
