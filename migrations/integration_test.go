package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRunner boots a PostgreSQL container and returns a Runner against it.
// The database starts empty; each test drives the schema itself.
func setupRunner(ctx context.Context, t *testing.T) *Runner {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chime_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	runner, err := NewRunner(ctx, &Config{
		DatabaseURL:    connStr,
		MigrationTable: "schema_migrations",
	}, logger)
	require.NoError(t, err, "Failed to create runner")
	t.Cleanup(func() {
		_ = runner.Close()
	})

	return runner
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, table string) bool {
	t.Helper()

	var exists bool

	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
		table,
	).Scan(&exists)
	require.NoError(t, err)

	return exists
}

func TestRunnerUpDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner := setupRunner(ctx, t)

	require.NoError(t, runner.Up())
	assert.True(t, tableExists(ctx, t, runner.db, "users"))
	assert.True(t, tableExists(ctx, t, runner.db, "scheduled_events"))

	// A second up is a no-op.
	require.NoError(t, runner.Up())

	version, dirty, err := runner.migrate.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	require.NoError(t, runner.Status())
	require.NoError(t, runner.Version())

	require.NoError(t, runner.Down())
	assert.False(t, tableExists(ctx, t, runner.db, "scheduled_events"))
	assert.False(t, tableExists(ctx, t, runner.db, "users"))
}

func TestRunnerStatusOnEmptyDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner := setupRunner(ctx, t)

	// Before any migration runs there is no version to report.
	require.NoError(t, runner.Status())
	require.NoError(t, runner.Version())
	require.NoError(t, runner.Down())
}

func TestRunnerDrop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner := setupRunner(ctx, t)

	require.NoError(t, runner.Up())
	require.True(t, tableExists(ctx, t, runner.db, "users"))

	require.NoError(t, runner.Drop())
	assert.False(t, tableExists(ctx, t, runner.db, "users"))
	assert.False(t, tableExists(ctx, t, runner.db, "scheduled_events"))
	assert.False(t, tableExists(ctx, t, runner.db, "schema_migrations"))
}
