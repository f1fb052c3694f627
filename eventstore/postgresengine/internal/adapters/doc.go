// Package adapters provide database adapter implementations for the PostgreSQL backend.
//
// Three connection types are supported behind one DBAdapter interface: pgxpool.Pool, sql.DB and sqlx.DB.
// Each adapter takes an optional replica. Reads carrying eventstore.EventualConsistency in their
// context go to the replica when one is configured, everything else goes to the primary.
package adapters
