package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/EternisAI/overlord/internal/db"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image    = "postgres:17-alpine"
	database = "overlord"
)

// AuditDB is a throwaway Postgres for the audit store.
type AuditDB struct {
	container *postgres.PostgresContainer
	Config    db.Config
}

// Start runs a container and returns a db.Config pointing at it with the
// given schema.
func Start(ctx context.Context, schema string) (*AuditDB, error) {
	container, err := postgres.Run(ctx, image,
		postgres.WithUsername(database),
		postgres.WithPassword(database),
		postgres.WithDatabase(database),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &AuditDB{
		container: container,
		Config:    db.Config{URL: url, Schema: schema, MaxConns: 2},
	}, nil
}

func (a *AuditDB) Stop(ctx context.Context) error {
	if err := a.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate Postgres container: %w", err)
	}
	return nil
}
