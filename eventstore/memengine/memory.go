package memengine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

const (
	logMsgMessagesAppended    = "messages appended"
	logMsgConcurrencyConflict = "concurrency conflict detected"
	logMsgInjectedFailure     = "injected append failure"
	logMsgSubscriptionsDrop   = "dropping subscriptions"

	logAttrStreamID        = "stream_id"
	logAttrMessageCount    = "message_count"
	logAttrExpectedVersion = "expected_version"
	logAttrCurrentVersion  = "current_version"
	logAttrReason          = "reason"
	logAttrSubscriptions   = "subscriptions"
)

// EventStore is an in-memory eventstore.Backend. It is safe for concurrent use.
type EventStore struct {
	mu      sync.RWMutex
	all     []eventstore.StreamMessage
	streams map[string][]int64
	wake    chan struct{}

	subscriptions mapset.Set[*subscription]
	running       sync.WaitGroup

	rngMu       sync.Mutex
	rng         *rand.Rand
	seed        uint64
	failureRate float64

	now    func() time.Time
	logger eventstore.Logger
}

// NewEventStore creates an empty in-memory EventStore.
func NewEventStore(options ...Option) (*EventStore, error) {
	es := &EventStore{
		streams:       make(map[string][]int64),
		wake:          make(chan struct{}),
		subscriptions: mapset.NewSet[*subscription](),
		now:           time.Now,
	}

	for _, option := range options {
		if err := option(es); err != nil {
			return nil, err
		}
	}

	es.rng = rand.New(rand.NewPCG(es.seed, es.seed^0x9e3779b97f4a7c15))

	return es, nil
}

// Append writes messages to streamID if the stream's current version equals expected.
func (es *EventStore) Append(
	ctx context.Context,
	streamID string,
	expected eventstore.ExpectedVersion,
	messages ...eventstore.NewStreamMessage,
) (eventstore.AppendResult, error) {

	var empty eventstore.AppendResult

	if streamID == "" {
		return empty, eventstore.ErrEmptyStreamID
	}

	if len(messages) == 0 {
		return empty, eventstore.ErrNoMessagesSupplied
	}

	if err := expected.Validate(); err != nil {
		return empty, err
	}

	if err := ctx.Err(); err != nil {
		return empty, errors.Join(eventstore.ErrAppendingMessagesFailed, err)
	}

	if es.injectFailure() {
		es.logDebug(logMsgInjectedFailure, logAttrStreamID, streamID)
		return empty, errors.Join(eventstore.ErrAppendingMessagesFailed, eventstore.ErrBackendUnavailable)
	}

	es.mu.Lock()

	stream := es.streams[streamID]
	current := int64(len(stream)) - 1

	if expected != eventstore.AnyVersion && current != int64(expected) {
		result, found := es.findIdempotentAppendLocked(stream, expected, messages)
		es.mu.Unlock()

		if found {
			return result, nil
		}

		es.logDebug(logMsgConcurrencyConflict,
			logAttrStreamID, streamID,
			logAttrExpectedVersion, expected.String(),
			logAttrCurrentVersion, current,
		)

		return empty, eventstore.ErrConcurrencyConflict
	}

	createdAt := es.now()
	for i, msg := range messages {
		position := int64(len(es.all))
		es.all = append(es.all, eventstore.StreamMessage{
			Position:      position,
			StreamID:      streamID,
			StreamVersion: current + 1 + int64(i),
			MessageID:     msg.MessageID,
			Type:          msg.Type,
			CreatedAt:     createdAt,
			PayloadJSON:   msg.PayloadJSON,
			MetadataJSON:  msg.MetadataJSON,
		})
		stream = append(stream, position)
	}
	es.streams[streamID] = stream

	result := eventstore.AppendResult{
		CurrentVersion:  int64(len(stream)) - 1,
		CurrentPosition: stream[len(stream)-1],
	}

	close(es.wake)
	es.wake = make(chan struct{})

	es.mu.Unlock()

	es.logDebug(logMsgMessagesAppended,
		logAttrStreamID, streamID,
		logAttrMessageCount, len(messages),
		logAttrCurrentVersion, result.CurrentVersion,
	)

	return result, nil
}

func (es *EventStore) findIdempotentAppendLocked(
	stream []int64,
	expected eventstore.ExpectedVersion,
	messages []eventstore.NewStreamMessage,
) (eventstore.AppendResult, bool) {

	first := int64(expected) + 1
	if first+int64(len(messages)) > int64(len(stream)) {
		return eventstore.AppendResult{}, false
	}

	for i, msg := range messages {
		if es.all[stream[first+int64(i)]].MessageID != msg.MessageID {
			return eventstore.AppendResult{}, false
		}
	}

	last := first + int64(len(messages)) - 1

	return eventstore.AppendResult{CurrentVersion: last, CurrentPosition: stream[last]}, true
}

// Messages returns a copy of the global feed.
func (es *EventStore) Messages() []eventstore.StreamMessage {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return append([]eventstore.StreamMessage(nil), es.all...)
}

// StreamVersion returns the current version of streamID, or -1 if it has no messages.
func (es *EventStore) StreamVersion(streamID string) int64 {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return int64(len(es.streams[streamID])) - 1
}

// readFrom returns the messages starting at index next and a channel closed by the next append.
func (es *EventStore) readFrom(next int64) ([]eventstore.StreamMessage, <-chan struct{}) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if next >= int64(len(es.all)) {
		return nil, es.wake
	}

	return es.all[next:len(es.all):len(es.all)], es.wake
}

func (es *EventStore) injectFailure() bool {
	if es.failureRate == 0 {
		return false
	}

	es.rngMu.Lock()
	defer es.rngMu.Unlock()

	return es.rng.Float64() < es.failureRate
}

func (es *EventStore) logDebug(msg string, args ...any) {
	if es.logger != nil {
		es.logger.Debug(msg, args...)
	}
}
