// Package config builds the infrastructure the tail command and the integration tests run against.
//
// It reads the database DSNs from the environment, turns them into tuned pgxpool, database/sql or
// sqlx handles, optionally provisions a throwaway PostgreSQL container, and sets up the
// OpenTelemetry providers that export traces and metrics via OTLP gRPC.
package config
