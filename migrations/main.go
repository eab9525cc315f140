// Package main provides the schema migration tool for the chime scheduler.
//
// The migration SQL is embedded in the binary, so a deployment can run schema
// changes with nothing configured beyond DATABASE_URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chime-io/chime/internal/config"
)

const name = "chime-migrate"

// version is set at build time using -ldflags.
var version = "1.0.0-dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Invalid migrator configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting migrator",
		slog.String("database_url", cfg.MaskedURL()),
		slog.String("migration_table", cfg.MigrationTable),
	)

	runner, err := NewRunner(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize migrator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		_ = runner.Close()
	}()

	if err := executeCommand(flag.Arg(0), runner, os.Stdin); err != nil {
		logger.Error("Migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand dispatches a single CLI command onto the migrator. Drop asks
// for confirmation on in before doing anything.
func executeCommand(command string, m migrator, in io.Reader) error {
	switch command {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "status":
		return m.Status()
	case "version":
		return m.Version()
	case "drop":
		fmt.Print("This drops every table. Continue? (y/N): ")

		var response string

		_, _ = fmt.Fscanln(in, &response)

		if response == "y" || response == "Y" {
			return m.Drop()
		}

		fmt.Println("Cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s - schema migrations for the chime scheduler

USAGE:
    %s [--version] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Show schema version against the embedded set
    version  Show the current schema version
    drop     Drop all tables (asks for confirmation)

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
    LOG_LEVEL        Log level (default: info)
`, name, name)
}
