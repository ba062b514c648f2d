// Package testutil starts the PostgreSQL container used by integration
// tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-contract-workflow/internal/database"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

func startPostgresOnce() (string, error) {
	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://workflow:workflow@%s:%s/workflow_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "workflow",
				"POSTGRES_PASSWORD": "workflow",
				"POSTGRES_DB":       "workflow_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := postgresC.Endpoint(ctx, "")
		if err != nil {
			_ = postgresC.Terminate(context.Background())
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://workflow:workflow@%s/workflow_test?sslmode=disable", endpoint)
	})
	return pgDSN, pgErr
}

// NewDatabase returns a migrated pool on a fresh database of the shared
// container. The test is skipped under -short or when no container runtime
// is available. The container itself is reaped when the test binary exits.
func NewDatabase(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	dsn, err := startPostgresOnce()
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	ctx := context.Background()
	name := "wf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect admin: %v", err)
	}
	defer admin.Close(ctx)
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+name); err != nil {
		t.Fatalf("create database: %v", err)
	}

	db, err := database.New(ctx, database.Config{
		DSN:      strings.Replace(dsn, "/workflow_test?", "/"+name+"?", 1),
		MaxConns: 8,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
