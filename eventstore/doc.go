// Package eventstore defines the contract between the load-generating harness and an
// append-only event stream backend.
//
// The backend exposes two capabilities:
//   - Append: optimistic-concurrency append of messages to one stream, guarded by an ExpectedVersion
//   - SubscribeAll: a long-lived subscription to the global feed of all streams, ordered by Position
//
// Key types:
//   - NewStreamMessage: a message to be appended, built with BuildNewStreamMessage
//   - StreamMessage: a message as delivered by a subscription
//   - ExpectedVersion: the concurrency token, with the NoStream and AnyVersion sentinels
//   - Cursor: an optional global position, the zero value means "from the beginning"
//
// Common usage pattern:
//
//	msg, err := eventstore.BuildNewStreamMessage(uuid.New(), "tail.generated", payload, metadata)
//	if err != nil {
//		// handle error
//	}
//
//	result, err := store.Append(ctx, "producer-7", eventstore.NoStream, msg)
//	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
//		// retry later with the same or a newer expected version
//	}
//
//	sub, err := store.SubscribeAll(ctx, eventstore.CursorAt(result.CurrentPosition), onMessage, onDropped)
//	defer sub.Release()
//
// Implementations live in the postgresengine and memengine sub-packages.
package eventstore
