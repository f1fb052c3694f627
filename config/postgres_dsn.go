package config

import (
	"errors"
	"os"
	"strings"
)

const (
	// EnvPostgresDSN names the environment variable holding the primary database DSN.
	EnvPostgresDSN = "TAIL_POSTGRES_DSN"

	// EnvPostgresReplicaDSN names the environment variable holding an optional read replica DSN.
	EnvPostgresReplicaDSN = "TAIL_POSTGRES_REPLICA_DSN"

	// EnvDBAdapter selects the database adapter, see AdapterFromEnv.
	EnvDBAdapter = "DB_ADAPTER"
)

// Adapter identifies one of the database access layers the postgres engine can run on.
type Adapter string

const (
	AdapterPGX   Adapter = "pgx"
	AdapterSQLDB Adapter = "sql.DB"
	AdapterSQLX  Adapter = "sqlx.DB"
)

// ErrUnknownAdapter is returned for a DB_ADAPTER value that is not one of the supported adapters.
var ErrUnknownAdapter = errors.New("unknown database adapter")

// PostgresDSNFromEnv returns the primary DSN and whether it was set.
func PostgresDSNFromEnv() (string, bool) {
	return lookupNonEmpty(EnvPostgresDSN)
}

// PostgresReplicaDSNFromEnv returns the replica DSN and whether it was set.
func PostgresReplicaDSNFromEnv() (string, bool) {
	return lookupNonEmpty(EnvPostgresReplicaDSN)
}

// AdapterFromEnv reads DB_ADAPTER. An unset variable means pgx.
func AdapterFromEnv() (Adapter, error) {
	value, ok := lookupNonEmpty(EnvDBAdapter)
	if !ok {
		return AdapterPGX, nil
	}

	return ParseAdapter(value)
}

// ParseAdapter maps "pgx", "sql.DB" and "sqlx.DB" (case-insensitive) to an Adapter.
func ParseAdapter(value string) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pgx":
		return AdapterPGX, nil
	case "sql.db", "sql":
		return AdapterSQLDB, nil
	case "sqlx.db", "sqlx":
		return AdapterSQLX, nil
	default:
		return "", errors.Join(ErrUnknownAdapter, errors.New(value))
	}
}

func lookupNonEmpty(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}

	return value, true
}
