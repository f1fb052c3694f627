package postgreswrapper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/eventstore-tail/config"
	"github.com/AntonStoeckl/eventstore-tail/eventstore/postgresengine"
)

// Wrapper abstracts over the database handle an EventStore was built from.
type Wrapper interface {
	EventStore() *postgresengine.EventStore
	Table() string
	Exec(ctx context.Context, query string) error

	// BeginUncommittedAppend writes one message to streamID at version 0 inside a transaction that
	// holds the table's append lock, and leaves the transaction open.
	BeginUncommittedAppend(ctx context.Context, streamID string) (PendingAppend, error)
	Close()
}

// PendingAppend is an open transaction started by BeginUncommittedAppend.
// Rollback after Commit is a no-op.
type PendingAppend interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PGXPoolWrapper wraps a pgxpool-based EventStore.
type PGXPoolWrapper struct {
	pool  *pgxpool.Pool
	es    *postgresengine.EventStore
	table string
}

func (w *PGXPoolWrapper) EventStore() *postgresengine.EventStore { return w.es }
func (w *PGXPoolWrapper) Table() string                          { return w.table }
func (w *PGXPoolWrapper) Close()                                 { w.pool.Close() }

func (w *PGXPoolWrapper) Exec(ctx context.Context, query string) error {
	_, err := w.pool.Exec(ctx, query)
	return err
}

func (w *PGXPoolWrapper) BeginUncommittedAppend(ctx context.Context, streamID string) (PendingAppend, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	for _, statement := range uncommittedAppendStatements(w.table, streamID) {
		if _, err = tx.Exec(ctx, statement); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}

	return &pgxPendingAppend{tx: tx}, nil
}

type pgxPendingAppend struct {
	tx pgx.Tx
}

func (p *pgxPendingAppend) Commit(ctx context.Context) error { return p.tx.Commit(ctx) }

func (p *pgxPendingAppend) Rollback(ctx context.Context) error {
	if err := p.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}

	return nil
}

// SQLDBWrapper wraps a database/sql-based EventStore.
type SQLDBWrapper struct {
	db    *sql.DB
	es    *postgresengine.EventStore
	table string
}

func (w *SQLDBWrapper) EventStore() *postgresengine.EventStore { return w.es }
func (w *SQLDBWrapper) Table() string                          { return w.table }
func (w *SQLDBWrapper) Close()                                 { _ = w.db.Close() }

func (w *SQLDBWrapper) Exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *SQLDBWrapper) BeginUncommittedAppend(ctx context.Context, streamID string) (PendingAppend, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return beginStdUncommittedAppend(ctx, tx, w.table, streamID)
}

// SQLXWrapper wraps a sqlx-based EventStore.
type SQLXWrapper struct {
	db    *sqlx.DB
	es    *postgresengine.EventStore
	table string
}

func (w *SQLXWrapper) EventStore() *postgresengine.EventStore { return w.es }
func (w *SQLXWrapper) Table() string                          { return w.table }
func (w *SQLXWrapper) Close()                                 { _ = w.db.Close() }

func (w *SQLXWrapper) Exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *SQLXWrapper) BeginUncommittedAppend(ctx context.Context, streamID string) (PendingAppend, error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return beginStdUncommittedAppend(ctx, tx.Tx, w.table, streamID)
}

func beginStdUncommittedAppend(ctx context.Context, tx *sql.Tx, table, streamID string) (PendingAppend, error) {
	for _, statement := range uncommittedAppendStatements(table, streamID) {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}

	return &stdPendingAppend{tx: tx}, nil
}

type stdPendingAppend struct {
	tx *sql.Tx
}

func (p *stdPendingAppend) Commit(context.Context) error { return p.tx.Commit() }

func (p *stdPendingAppend) Rollback(context.Context) error {
	if err := p.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}

// uncommittedAppendStatements takes the same advisory lock the event store takes for appends, then
// inserts one message.
func uncommittedAppendStatements(table, streamID string) []string {
	return []string{
		fmt.Sprintf("SELECT pg_advisory_xact_lock(hashtext(%s))", pq.QuoteLiteral(table)),
		fmt.Sprintf(
			"INSERT INTO %s (stream_id, stream_version, message_id, message_type, payload, metadata) "+
				"VALUES (%s, 0, %s, 'tail.generated', '{}', '{}')",
			pq.QuoteIdentifier(table), pq.QuoteLiteral(streamID), pq.QuoteLiteral(uuid.NewString()),
		),
	}
}

// CreateWrapper connects to TAIL_POSTGRES_DSN with the adapter from DB_ADAPTER, creates a table only
// this test uses, and registers cleanup that drops it. The test is skipped when the DSN is not set.
func CreateWrapper(t testing.TB, options ...postgresengine.Option) Wrapper {
	t.Helper()

	dsn, ok := config.PostgresDSNFromEnv()
	if !ok {
		t.Skipf("%s is not set", config.EnvPostgresDSN)
	}

	adapter, err := config.AdapterFromEnv()
	require.NoError(t, err)

	ctx := context.Background()
	table := "messages_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	options = append(options, postgresengine.WithTableName(table))

	var wrapper Wrapper

	switch adapter {
	case config.AdapterSQLDB:
		db, err := config.NewSQLDB(dsn)
		require.NoError(t, err, "error connecting to DB in test setup")
		es, err := postgresengine.NewEventStoreFromSQLDB(db, options...)
		require.NoError(t, err, "creating the event store failed")
		wrapper = &SQLDBWrapper{db: db, es: es, table: table}

	case config.AdapterSQLX:
		db, err := config.NewSQLX(dsn)
		require.NoError(t, err, "error connecting to DB in test setup")
		es, err := postgresengine.NewEventStoreFromSQLX(db, options...)
		require.NoError(t, err, "creating the event store failed")
		wrapper = &SQLXWrapper{db: db, es: es, table: table}

	default:
		pool, err := config.NewPGXPool(ctx, dsn)
		require.NoError(t, err, "error connecting to DB pool in test setup")
		es, err := postgresengine.NewEventStoreFromPGXPool(pool, options...)
		require.NoError(t, err, "creating the event store failed")
		wrapper = &PGXPoolWrapper{pool: pool, es: es, table: table}
	}

	t.Cleanup(func() {
		_ = wrapper.Exec(context.Background(), DropTableQuery(table))
		wrapper.Close()
	})

	require.NoError(t, wrapper.EventStore().CreateSchema(ctx), "creating the schema failed")

	return wrapper
}

// DropTableQuery returns a DROP TABLE statement for table.
func DropTableQuery(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(table))
}
