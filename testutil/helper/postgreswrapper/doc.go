// Package postgreswrapper creates postgres event stores on a fresh table for integration tests,
// backed by whichever database adapter DB_ADAPTER selects (pgx, sql.DB or sqlx.DB).
package postgreswrapper
