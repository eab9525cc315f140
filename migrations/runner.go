package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// migrator is the command surface main dispatches on.
type migrator interface {
	Up() error
	Down() error
	Status() error
	Version() error
	Drop() error
	Close() error
}

// Runner applies the embedded migrations to a PostgreSQL database using
// golang-migrate.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	set     *migrationSet
	logger  *slog.Logger
}

// Compile-time interface checks.
var (
	_ migrator       = (*Runner)(nil)
	_ migrate.Logger = (*migrateLogger)(nil)
)

// migrateLogger forwards golang-migrate's progress output to slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// NewRunner validates the embedded migration set, connects to the database
// and prepares a migrate instance over the embedded files.
func NewRunner(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runner, error) {
	set := newMigrationSet(nil)
	if err := set.validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(set.fs, ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{migrate: m, db: db, set: set, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied")

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// Status reports the applied schema version against the embedded set.
func (r *Runner) Status() error {
	available, err := r.set.maxSequence()
	if err != nil {
		return err
	}

	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		r.logger.Info("No migrations applied yet", slog.Int("available", available))

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	r.logger.Info("Migration status",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
		slog.Int("available", available),
	)

	return nil
}

// Version reports the current schema version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		r.logger.Info("No migrations applied yet")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	r.logger.Info("Current migration version",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// Drop removes every object in the database. Destructive.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	r.logger.Warn("All tables dropped")

	return nil
}

// Close releases the migrate source and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, sourceErr)
		}

		if dbErr != nil {
			errs = append(errs, dbErr)
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
