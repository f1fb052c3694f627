package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
	"github.com/AntonStoeckl/eventstore-tail/eventstore/postgresengine/internal/adapters"
)

const (
	defaultTableName    = "messages"
	defaultPollInterval = 100 * time.Millisecond
	defaultBatchSize    = uint(500)

	logMsgBuildInsertQueryFailed = "failed to build insert query"
	logMsgBuildSelectQueryFailed = "failed to build select query"
	logMsgDBQueryFailed          = "database query execution failed"
	logMsgCloseRowsFailed        = "failed to close database rows"
	logMsgScanRowFailed          = "failed to scan database row"
	logMsgMessagesAppended       = "messages appended"
	logMsgIdempotentAppend       = "messages already appended, nothing written"
	logMsgConcurrencyConflict    = "concurrency conflict detected"
	logMsgSubscriptionDropped    = "subscription dropped"
	logMsgSchemaCreated          = "schema created"
	logMsgSQLExecuted            = "executed sql for: "
	logMsgOperation              = "eventstore operation: "

	logAttrError           = "error"
	logAttrQuery           = "query"
	logAttrStreamID        = "stream_id"
	logAttrMessageCount    = "message_count"
	logAttrDurationMS      = "duration_ms"
	logAttrExpectedVersion = "expected_version"
	logAttrCurrentVersion  = "current_version"
	logAttrCursor          = "cursor"
	logAttrTable           = "table"

	logActionAppend      = "append"
	logActionIdempotency = "idempotency_check"
	logActionPoll        = "poll"
	logActionSchema      = "schema"
	logActionPing        = "ping"

	colPosition      = "position"
	colStreamID      = "stream_id"
	colStreamVersion = "stream_version"
	colMessageID     = "message_id"
	colMessageType   = "message_type"
	colCreatedAt     = "created_at"
	colPayload       = "payload"
	colMetadata      = "metadata"
	colOrdinal       = "ordinal"

	cteContext      = "context"
	cteVals         = "vals"
	aliasMaxVersion = "max_ver"
	dialectPostgres = "postgres"

	castBigint    = "?::bigint"
	castUUID      = "?::uuid"
	castText      = "?::text"
	castJsonb     = "?::jsonb"
	castIDAsText  = "message_id::text"
	pgUniqueError = "23505"

	funcAdvisoryXactLock = "pg_advisory_xact_lock"
	funcHashText         = "hashtext"
)

type sqlQueryString = string

// EventStore is a PostgreSQL implementation of eventstore.Backend.
// It is safe for concurrent use; all state lives in the database.
type EventStore struct {
	db               adapters.DBAdapter
	tableName        string
	pollInterval     time.Duration
	batchSize        uint
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
	metricsCollector eventstore.MetricsCollector
	tracingCollector eventstore.TracingCollector
}

// NewEventStoreFromPGXPool creates a new EventStore using a pgx Pool with optional configuration.
func NewEventStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (*EventStore, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewPGXAdapter(db), options...)
}

// NewEventStoreFromPGXPoolAndReplica creates a new EventStore using a pgx Pool for the primary
// and one for a read replica. Subscriptions read from the replica.
func NewEventStoreFromPGXPoolAndReplica(db *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (*EventStore, error) {
	if db == nil || replica == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewPGXAdapterWithReplica(db, replica), options...)
}

// NewEventStoreFromSQLDB creates a new EventStore using a sql.DB with optional configuration.
func NewEventStoreFromSQLDB(db *sql.DB, options ...Option) (*EventStore, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewSQLAdapter(db), options...)
}

// NewEventStoreFromSQLDBAndReplica creates a new EventStore using a sql.DB primary and replica.
func NewEventStoreFromSQLDBAndReplica(db *sql.DB, replica *sql.DB, options ...Option) (*EventStore, error) {
	if db == nil || replica == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewSQLAdapterWithReplica(db, replica), options...)
}

// NewEventStoreFromSQLX creates a new EventStore using a sqlx.DB with optional configuration.
func NewEventStoreFromSQLX(db *sqlx.DB, options ...Option) (*EventStore, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewSQLXAdapter(db), options...)
}

// NewEventStoreFromSQLXAndReplica creates a new EventStore using a sqlx.DB primary and replica.
func NewEventStoreFromSQLXAndReplica(db *sqlx.DB, replica *sqlx.DB, options ...Option) (*EventStore, error) {
	if db == nil || replica == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewSQLXAdapterWithReplica(db, replica), options...)
}

func newEventStore(db adapters.DBAdapter, options ...Option) (*EventStore, error) {
	es := &EventStore{
		db:           db,
		tableName:    defaultTableName,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
	}

	for _, option := range options {
		if err := option(es); err != nil {
			return nil, err
		}
	}

	return es, nil
}

// Append writes messages to streamID if the stream's current version equals expected.
//
// All messages of one call are written atomically with consecutive stream versions.
// Appends to the same table are serialized by a transaction scoped advisory lock, so positions
// become visible in ascending order and a poller reading "position > cursor" never skips one.
// When the version guard rejects the write, Append checks whether exactly these messages
// (by MessageID) already follow expected in the stream; if so it reports success without writing.
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

	ctx = eventstore.WithStrongConsistency(ctx)
	tracer, ctx := es.startAppendTracing(ctx, streamID, expected, len(messages))
	metrics := es.startAppendMetrics(ctx)

	lockQuery, lockBuildErr := es.buildAppendLockQuery()
	sqlQuery, buildErr := es.buildAppendQuery(streamID, expected, messages)
	buildErr = errors.Join(lockBuildErr, buildErr)
	if buildErr != nil {
		es.logErrorContext(ctx, logMsgBuildInsertQueryFailed, buildErr, logAttrStreamID, streamID)
		tracer.finishError(eventstore.ErrorTypeOther, 0)
		metrics.recordError(eventstore.ErrorTypeOther, 0)

		return empty, buildErr
	}

	start := time.Now()
	result, inserted, execErr := es.executeAppendQuery(ctx, lockQuery, sqlQuery)
	duration := time.Since(start)
	es.logQueryWithDuration(ctx, sqlQuery, logActionAppend, duration)

	if execErr != nil && !isUniqueViolation(execErr) {
		es.logErrorContext(ctx, logMsgDBQueryFailed, execErr, logAttrQuery, sqlQuery)
		errorType := eventstore.ErrorType(execErr)
		tracer.finishError(errorType, duration)
		metrics.recordError(errorType, duration)

		return empty, errors.Join(eventstore.ErrAppendingMessagesFailed, execErr)
	}

	if execErr == nil && inserted == len(messages) {
		es.logOperation(ctx,
			logMsgMessagesAppended,
			logAttrStreamID, streamID,
			logAttrMessageCount, len(messages),
			logAttrCurrentVersion, result.CurrentVersion,
			logAttrDurationMS, toMilliseconds(duration),
		)
		tracer.finishSuccess(result, duration)
		metrics.recordSuccess(len(messages), duration)

		return result, nil
	}

	// The guard rejected the insert or a concurrent writer won the race for the same versions.
	previous, found, checkErr := es.findIdempotentAppend(ctx, streamID, expected, messages)
	if checkErr != nil {
		errorType := eventstore.ErrorType(checkErr)
		tracer.finishError(errorType, duration)
		metrics.recordError(errorType, duration)

		return empty, errors.Join(eventstore.ErrAppendingMessagesFailed, checkErr)
	}

	if found {
		es.logOperation(ctx,
			logMsgIdempotentAppend,
			logAttrStreamID, streamID,
			logAttrMessageCount, len(messages),
			logAttrCurrentVersion, previous.CurrentVersion,
		)
		tracer.finishSuccess(previous, duration)
		metrics.recordSuccess(0, duration)

		return previous, nil
	}

	es.logOperation(ctx,
		logMsgConcurrencyConflict,
		logAttrStreamID, streamID,
		logAttrExpectedVersion, expected.String(),
		logAttrMessageCount, len(messages),
	)
	tracer.finishError(eventstore.ErrorTypeConcurrencyConflict, duration)
	metrics.recordConcurrencyConflict(duration)

	return empty, eventstore.ErrConcurrencyConflict
}

// executeAppendQuery takes the append lock and runs the insert in one transaction, collecting the
// RETURNING rows. The lock is released on commit, after the rows became visible.
func (es *EventStore) executeAppendQuery(ctx context.Context, lockQuery, sqlQuery string) (eventstore.AppendResult, int, error) {
	var result eventstore.AppendResult
	inserted := 0

	txErr := es.db.InTx(ctx, func(tx adapters.DBTx) error {
		if _, lockErr := tx.Exec(ctx, lockQuery); lockErr != nil {
			return lockErr
		}

		rows, queryErr := tx.Query(ctx, sqlQuery)
		if queryErr != nil {
			return queryErr
		}
		defer es.closeRows(ctx, rows)

		for rows.Next() {
			var position, version int64
			if err := rows.Scan(&position, &version); err != nil {
				es.logErrorContext(ctx, logMsgScanRowFailed, err)
				return errors.Join(eventstore.ErrScanningDBRowFailed, err)
			}

			if version >= result.CurrentVersion || inserted == 0 {
				result.CurrentVersion = version
				result.CurrentPosition = position
			}
			inserted++
		}

		return rows.Err()
	})

	if txErr != nil {
		return eventstore.AppendResult{}, 0, txErr
	}

	return result, inserted, nil
}

// findIdempotentAppend reports whether messages already directly follow expected in the stream.
func (es *EventStore) findIdempotentAppend(
	ctx context.Context,
	streamID string,
	expected eventstore.ExpectedVersion,
	messages []eventstore.NewStreamMessage,
) (eventstore.AppendResult, bool, error) {

	var result eventstore.AppendResult

	if expected == eventstore.AnyVersion {
		return result, false, nil
	}

	sqlQuery, buildErr := es.buildIdempotencyQuery(streamID, expected, len(messages))
	if buildErr != nil {
		es.logErrorContext(ctx, logMsgBuildSelectQueryFailed, buildErr)
		return result, false, buildErr
	}

	start := time.Now()
	rows, queryErr := es.db.Query(ctx, sqlQuery)
	es.logQueryWithDuration(ctx, sqlQuery, logActionIdempotency, time.Since(start))
	if queryErr != nil {
		es.logErrorContext(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return result, false, queryErr
	}
	defer es.closeRows(ctx, rows)

	matched := 0
	for rows.Next() {
		var rawID string
		var version, position int64

		if err := rows.Scan(&rawID, &version, &position); err != nil {
			es.logErrorContext(ctx, logMsgScanRowFailed, err)
			return result, false, errors.Join(eventstore.ErrScanningDBRowFailed, err)
		}

		id, parseErr := uuid.Parse(rawID)
		if parseErr != nil || matched >= len(messages) || id != messages[matched].MessageID {
			return result, false, nil
		}

		result.CurrentVersion = version
		result.CurrentPosition = position
		matched++
	}

	if err := rows.Err(); err != nil {
		return result, false, err
	}

	return result, matched == len(messages), nil
}

// buildAppendQuery builds one INSERT ... SELECT that computes the stream's current version in a CTE
// and only yields rows when it matches the expected version.
//
//	WITH context AS (SELECT COALESCE(MAX(stream_version), -1) AS max_ver FROM messages WHERE stream_id = ...),
//	     vals AS (SELECT 0 AS ordinal, ... UNION ALL SELECT 1 AS ordinal, ...)
//	INSERT INTO messages (...) SELECT ..., context.max_ver + 1 + vals.ordinal, ...
//	FROM context, vals WHERE context.max_ver = <expected> ORDER BY vals.ordinal
//	RETURNING position, stream_version
func (es *EventStore) buildAppendQuery(
	streamID string,
	expected eventstore.ExpectedVersion,
	messages []eventstore.NewStreamMessage,
) (sqlQueryString, error) {

	builder := goqu.Dialect(dialectPostgres)

	cteStmt := builder.
		From(es.tableName).
		Select(goqu.COALESCE(goqu.MAX(colStreamVersion), -1).As(aliasMaxVersion)).
		Where(goqu.C(colStreamID).Eq(streamID))

	unionStatements := make([]*goqu.SelectDataset, len(messages))
	for i, msg := range messages {
		unionStatements[i] = builder.
			Select(
				goqu.L(castBigint, i).As(colOrdinal),
				goqu.L(castUUID, msg.MessageID.String()).As(colMessageID),
				goqu.L(castText, msg.Type).As(colMessageType),
				goqu.L(castJsonb, string(msg.PayloadJSON)).As(colPayload),
				goqu.L(castJsonb, string(msg.MetadataJSON)).As(colMetadata),
			)
	}

	valuesStmt := unionStatements[0]
	for i := 1; i < len(unionStatements); i++ {
		valuesStmt = valuesStmt.UnionAll(unionStatements[i])
	}

	nextVersion := goqu.L(fmt.Sprintf("%s.%s + 1 + %s.%s", cteContext, aliasMaxVersion, cteVals, colOrdinal))

	selectStmt := builder.
		From(cteContext, cteVals).
		Select(
			goqu.V(streamID),
			nextVersion,
			qualified(cteVals, colMessageID),
			qualified(cteVals, colMessageType),
			qualified(cteVals, colPayload),
			qualified(cteVals, colMetadata),
		).
		Order(qualified(cteVals, colOrdinal).Asc())

	if expected != eventstore.AnyVersion {
		selectStmt = selectStmt.Where(qualified(cteContext, aliasMaxVersion).Eq(int64(expected)))
	}

	insertStmt := builder.
		Insert(es.tableName).
		Cols(colStreamID, colStreamVersion, colMessageID, colMessageType, colPayload, colMetadata).
		With(cteContext, cteStmt).
		With(cteVals, valuesStmt).
		FromQuery(selectStmt).
		Returning(colPosition, colStreamVersion)

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

// buildAppendLockQuery builds the statement that serializes appends to the table:
//
//	SELECT pg_advisory_xact_lock(hashtext('messages'))
func (es *EventStore) buildAppendLockQuery() (sqlQueryString, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		Select(goqu.Func(funcAdvisoryXactLock, goqu.Func(funcHashText, es.tableName)))

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

func (es *EventStore) buildIdempotencyQuery(
	streamID string,
	expected eventstore.ExpectedVersion,
	count int,
) (sqlQueryString, error) {

	selectStmt := goqu.Dialect(dialectPostgres).
		From(es.tableName).
		Select(goqu.L(castIDAsText), colStreamVersion, colPosition).
		Where(
			goqu.C(colStreamID).Eq(streamID),
			goqu.C(colStreamVersion).Gt(int64(expected)),
		).
		Order(goqu.C(colStreamVersion).Asc()).
		Limit(uint(count))

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

// closeRows safely closes database rows and logs any errors.
func (es *EventStore) closeRows(ctx context.Context, rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		es.logWarnContext(ctx, logMsgCloseRowsFailed, logAttrError, closeErr.Error())
	}
}

func qualified(table, column string) exp.IdentifierExpression {
	return goqu.T(table).Col(column)
}

// isUniqueViolation detects a (stream_id, stream_version) collision for both pgx and lib/pq errors.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueError
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueError
	}

	return false
}
