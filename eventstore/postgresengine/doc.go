// Package postgresengine provides a PostgreSQL implementation of the eventstore.Backend contract.
//
// All messages live in one table. Each row belongs to a stream (stream_id, stream_version) and
// carries a global position from a BIGSERIAL column, which orders the global feed.
//
// Key features:
//   - Multiple database adapter support (PGX, SQL, SQLX), each with an optional read replica
//   - Atomic batch appends guarded by the expected stream version, built with goqu
//   - Idempotent re-appends of the same message ids at the same expected version
//   - Polling SubscribeAll that reads the global feed with eventual consistency
//   - Optional logging, metrics and tracing through the eventstore observability ports
//
// Usage examples:
//
//	pool, _ := pgxpool.New(ctx, dsn)
//	store, _ := postgresengine.NewEventStoreFromPGXPool(pool, postgresengine.WithLogger(logger))
//	_ = store.CreateSchema(ctx)
//
//	result, err := store.Append(ctx, "producer-1", eventstore.NoStream, msg)
//	sub, err := store.SubscribeAll(ctx, eventstore.Cursor{}, onMessage, onDropped)
//	defer sub.Release()
package postgresengine
