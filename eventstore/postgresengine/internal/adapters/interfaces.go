package adapters

import "context"

// DBAdapter defines the database operations needed by the backend.
// Query may be served by a replica, Exec always runs on the primary.
type DBAdapter interface {
	Query(ctx context.Context, query string) (DBRows, error)
	Exec(ctx context.Context, query string) (DBResult, error)

	// Ping checks the replica when replica is true and one is configured, the primary otherwise.
	Ping(ctx context.Context, replica bool) error
	HasReplica() bool

	// InTx runs fn in a read committed transaction on the primary. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx DBTx) error) error
}

// DBTx defines the statements available inside a transaction.
type DBTx interface {
	Query(ctx context.Context, query string) (DBRows, error)
	Exec(ctx context.Context, query string) (DBResult, error)
}

// DBRows defines the interface for query result rows.
type DBRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// DBResult defines the interface for execution results.
type DBResult interface {
	RowsAffected() (int64, error)
}
