package config

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

const (
	defaultMaxOpenConnections = 60
	defaultMaxIdleConnections = 2
	defaultSQLConnMaxLifetime = time.Hour
	defaultSQLConnMaxIdleTime = time.Minute * 5
)

// NewSQLDB opens a lib/pq backed *sql.DB for dsn with the same pool sizing as NewPGXPool.
func NewSQLDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConnections)
	db.SetMaxIdleConns(defaultMaxIdleConnections)
	db.SetConnMaxLifetime(defaultSQLConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultSQLConnMaxIdleTime)

	return db, nil
}
