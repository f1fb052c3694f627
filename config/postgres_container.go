package config

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage          = "postgres:17-alpine"
	postgresDatabase       = "eventstore"
	postgresUser           = "tail"
	postgresPassword       = "tail"
	postgresStartupTimeout = 60 * time.Second
)

// PostgresContainer is a throwaway PostgreSQL instance started with ProvisionPostgres.
type PostgresContainer struct {
	container *postgres.PostgresContainer
	dsn       string
}

// ProvisionPostgres starts a PostgreSQL container and waits until it accepts connections.
func ProvisionPostgres(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase(postgresDatabase),
		postgres.WithUsername(postgresUser),
		postgres.WithPassword(postgresPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(postgresStartupTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("starting postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("reading postgres connection string: %w", err)
	}

	return &PostgresContainer{container: container, dsn: dsn}, nil
}

// DSN returns the connection string of the running container.
func (c *PostgresContainer) DSN() string {
	return c.dsn
}

// Terminate stops and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	return c.container.Terminate(ctx)
}
