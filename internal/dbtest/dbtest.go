// Package dbtest provides a shared Postgres+pgvector test fixture, factored
// out of the per-package testcontainers bootstrap so every integration
// test suite in this module stands up an identical database.
package dbtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ethrdev/cogmem/internal/storage"
	"github.com/ethrdev/cogmem/migrations"
)

// NewDB starts a disposable Postgres container with the vector and pg_trgm
// extensions, runs migrations, and returns a ready *storage.DB. The
// container and pool are torn down via t.Cleanup.
func NewDB(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cogmem",
			"POSTGRES_PASSWORD": "cogmem",
			"POSTGRES_DB":       "cogmem",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("dbtest: start container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("dbtest: container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("dbtest: mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://cogmem:cogmem@%s:%s/cogmem?sslmode=disable", host, port.Port())

	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("dbtest: bootstrap connect: %v", err)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		t.Fatalf("dbtest: create vector extension: %v", err)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS pg_trgm"); err != nil {
		t.Fatalf("dbtest: create pg_trgm extension: %v", err)
	}
	_ = bootstrapConn.Close(ctx)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.New(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("dbtest: storage.New: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("dbtest: run migrations: %v", err)
	}

	return db
}
