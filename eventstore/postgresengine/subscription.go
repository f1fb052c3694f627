package postgresengine

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

// pollingSubscription is the handle returned by SubscribeAll.
type pollingSubscription struct {
	cancel   context.CancelFunc
	released *atomic.Bool
	done     chan struct{}
}

// Release stops the polling goroutine. It does not wait for it to exit.
func (s *pollingSubscription) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// SubscribeAll starts a goroutine that polls the global feed in position order and hands every
// message after continueAfter to onMessage.
//
// Reads run with eventual consistency, so a configured replica serves them.
// A failing read ends the subscription and invokes onDropped with DropReasonSubscriptionError.
// Canceling ctx or calling Release ends it silently.
func (es *EventStore) SubscribeAll(
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

	pollCtx, cancel := context.WithCancel(eventstore.WithEventualConsistency(ctx))
	sub := &pollingSubscription{
		cancel:   cancel,
		released: atomic.NewBool(false),
		done:     make(chan struct{}),
	}

	go es.poll(pollCtx, sub, continueAfter, onMessage, onDropped)

	return sub, nil
}

func (es *EventStore) poll(
	ctx context.Context,
	sub *pollingSubscription,
	cursor eventstore.Cursor,
	onMessage eventstore.MessageHandler,
	onDropped eventstore.DropHandler,
) {

	defer close(sub.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delivered, next, err := es.readBatch(ctx, cursor, func(msg eventstore.StreamMessage) bool {
			if sub.released.Load() {
				return false
			}

			onMessage(msg)

			return true
		})

		if err != nil {
			if ctx.Err() != nil || sub.released.Load() {
				return
			}

			es.logWarnContext(ctx, logMsgSubscriptionDropped, logAttrError, err.Error(), logAttrCursor, cursor.String())
			es.recordSubscriptionDrop(ctx, eventstore.DropReasonSubscriptionError)

			if onDropped != nil {
				onDropped(eventstore.DropReasonSubscriptionError, err)
			}

			return
		}

		cursor = next

		if uint(delivered) == es.batchSize {
			timer.Reset(0)
		} else {
			timer.Reset(es.pollInterval)
		}
	}
}

// readBatch reads up to batchSize messages after cursor and returns how many were delivered and
// the cursor after the last one.
func (es *EventStore) readBatch(
	ctx context.Context,
	cursor eventstore.Cursor,
	deliver func(eventstore.StreamMessage) bool,
) (int, eventstore.Cursor, error) {

	sqlQuery, buildErr := es.buildReadAllQuery(cursor)
	if buildErr != nil {
		es.logErrorContext(ctx, logMsgBuildSelectQueryFailed, buildErr)
		return 0, cursor, buildErr
	}

	start := time.Now()
	rows, queryErr := es.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	es.logQueryWithDuration(ctx, sqlQuery, logActionPoll, duration)

	if queryErr != nil {
		es.logErrorContext(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		es.recordPoll(ctx, 0, duration, queryErr)
		return 0, cursor, errors.Join(eventstore.ErrReadingAllFailed, queryErr)
	}
	defer es.closeRows(ctx, rows)

	delivered := 0
	for rows.Next() {
		msg, scanErr := scanStreamMessage(rows.Scan)
		if scanErr != nil {
			es.logErrorContext(ctx, logMsgScanRowFailed, scanErr)
			es.recordPoll(ctx, delivered, duration, scanErr)

			return delivered, cursor, errors.Join(eventstore.ErrReadingAllFailed, scanErr)
		}

		if !deliver(msg) {
			return delivered, cursor, nil
		}

		cursor = eventstore.CursorAt(msg.Position)
		delivered++
	}

	if err := rows.Err(); err != nil {
		es.logErrorContext(ctx, logMsgDBQueryFailed, err, logAttrQuery, sqlQuery)
		es.recordPoll(ctx, delivered, duration, err)
		return delivered, cursor, errors.Join(eventstore.ErrReadingAllFailed, err)
	}

	es.recordPoll(ctx, delivered, duration, nil)

	return delivered, cursor, nil
}

func scanStreamMessage(scan func(dest ...any) error) (eventstore.StreamMessage, error) {
	var msg eventstore.StreamMessage
	var rawID string

	err := scan(
		&msg.Position,
		&msg.StreamID,
		&msg.StreamVersion,
		&rawID,
		&msg.Type,
		&msg.CreatedAt,
		&msg.PayloadJSON,
		&msg.MetadataJSON,
	)
	if err != nil {
		return msg, errors.Join(eventstore.ErrScanningDBRowFailed, err)
	}

	id, parseErr := uuid.Parse(rawID)
	if parseErr != nil {
		return msg, errors.Join(eventstore.ErrScanningDBRowFailed, parseErr)
	}
	msg.MessageID = id

	return msg, nil
}

func (es *EventStore) buildReadAllQuery(cursor eventstore.Cursor) (sqlQueryString, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(es.tableName).
		Select(
			colPosition,
			colStreamID,
			colStreamVersion,
			goqu.L(castIDAsText),
			colMessageType,
			colCreatedAt,
			colPayload,
			colMetadata,
		).
		Order(goqu.C(colPosition).Asc()).
		Limit(es.batchSize)

	if position, ok := cursor.Position(); ok {
		selectStmt = selectStmt.Where(goqu.C(colPosition).Gt(position))
	}

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}
