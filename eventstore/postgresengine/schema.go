package postgresengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/lib/pq"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

const createTableTemplate = `CREATE TABLE IF NOT EXISTS %s (
	position       BIGSERIAL PRIMARY KEY,
	stream_id      TEXT        NOT NULL,
	stream_version BIGINT      NOT NULL,
	message_id     UUID        NOT NULL,
	message_type   TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload        JSONB       NOT NULL,
	metadata       JSONB       NOT NULL,
	UNIQUE (stream_id, stream_version)
)`

const createIndexTemplate = `CREATE INDEX IF NOT EXISTS %s ON %s (stream_id, message_id)`

// CreateSchema creates the messages table and its indexes if they do not exist yet.
func (es *EventStore) CreateSchema(ctx context.Context) error {
	ctx = eventstore.WithStrongConsistency(ctx)

	for _, statement := range es.schemaStatements() {
		start := time.Now()
		_, err := es.db.Exec(ctx, statement)
		es.logQueryWithDuration(ctx, statement, logActionSchema, time.Since(start))

		if err != nil {
			es.logErrorContext(ctx, logMsgDBQueryFailed, err, logAttrQuery, statement)
			return errors.Join(eventstore.ErrCreatingSchemaFailed, err)
		}
	}

	es.logOperation(ctx, logMsgSchemaCreated, logAttrTable, es.tableName)

	return nil
}

// Truncate removes all messages and restarts the position sequence.
func (es *EventStore) Truncate(ctx context.Context) error {
	sqlQuery, _, toSQLErr := goqu.Dialect(dialectPostgres).
		Truncate(es.tableName).
		Identity("RESTART").
		ToSQL()
	if toSQLErr != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	if _, err := es.db.Exec(eventstore.WithStrongConsistency(ctx), sqlQuery); err != nil {
		es.logErrorContext(ctx, logMsgDBQueryFailed, err, logAttrQuery, sqlQuery)
		return err
	}

	return nil
}

func (es *EventStore) schemaStatements() []string {
	table := pq.QuoteIdentifier(es.tableName)
	index := pq.QuoteIdentifier(es.tableName + "_stream_message_id_idx")

	return []string{
		fmt.Sprintf(createTableTemplate, table),
		fmt.Sprintf(createIndexTemplate, index, table),
	}
}
