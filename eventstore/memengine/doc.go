// Package memengine provides an in-memory implementation of the eventstore.Backend contract.
//
// It keeps the same semantics as the PostgreSQL engine: per-stream versions starting at 0,
// expected-version checks with idempotent re-appends, and a global feed ordered by position
// (positions start at 0). Subscriptions run on their own goroutines and are woken by appends.
//
// Fault injection supports exercising the harness without a database:
//   - WithFailureRate makes a share of appends fail with eventstore.ErrBackendUnavailable
//   - DropAll ends every live subscription with the given reason
package memengine
