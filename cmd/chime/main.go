// Package main provides the chime scheduler service.
//
// The scheduler guarantees exactly one delivered event per (user, occurrence)
// at 09:00 in the user's timezone, surviving restarts, downtime, and
// horizontal scaling. User mutations arrive over the Kafka bus; due events are
// claimed from PostgreSQL and delivered over HTTP webhooks.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/chime-io/chime/internal/api"
	"github.com/chime-io/chime/internal/bus"
	"github.com/chime-io/chime/internal/config"
	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/storage"
	"github.com/chime-io/chime/internal/webhook"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "chime"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting chime scheduler",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx := context.Background()

	// Storage
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	eventStore := storage.NewPostgresEventStore(dbConn)
	userStore := storage.NewPostgresUserStore(dbConn)

	// Message templates
	templateConfig, err := scheduler.LoadTemplateConfig(
		config.GetEnvStr("CHIME_CONFIG_PATH", ".chime.yaml"), logger,
	)
	if err != nil {
		logger.Error("Failed to load template config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := scheduler.NewRegistry(
		scheduler.NewBirthdayHandler(templateConfig.Template(scheduler.EventTypeBirthday)),
	)

	// Webhook delivery
	webhookConfig := webhook.LoadConfig()
	if err := webhookConfig.Validate(); err != nil {
		logger.Error("Invalid webhook configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	deliverer := webhook.NewClient(webhookConfig)

	logger.Info("Webhook client initialized",
		slog.String("url", webhookConfig.URL),
		slog.Int("max_attempts", webhookConfig.MaxAttempts),
		slog.Duration("timeout", webhookConfig.Timeout),
	)

	clock := scheduler.SystemClock{}
	generator := scheduler.NewGenerator(eventStore, userStore, registry, webhookConfig.URL, clock, logger)
	handlers := scheduler.NewHandlers(eventStore, userStore, registry, generator, clock, logger)

	// Worker pool and claim engine
	poolSize := config.GetEnvInt("CHIME_WORKER_POOL_SIZE", 8)
	pool := scheduler.NewPool(eventStore, deliverer, generator, clock, poolSize, logger)
	pool.Start(ctx)

	engineConfig := scheduler.DefaultEngineConfig()
	engineConfig.TickInterval = config.GetEnvDuration("CHIME_TICK_INTERVAL", engineConfig.TickInterval)
	engineConfig.ClaimBatchLimit = config.GetEnvInt("CHIME_CLAIM_BATCH_LIMIT", engineConfig.ClaimBatchLimit)
	engineConfig.VisibilityTimeout = config.GetEnvDuration("CHIME_VISIBILITY_TIMEOUT", engineConfig.VisibilityTimeout)

	engine := scheduler.NewEngine(eventStore, pool, clock, engineConfig, logger)
	engine.Start(ctx)

	// Operational HTTP server owns the shutdown sequence: bus intake first,
	// then the claim engine, then the workers, then storage.
	server := api.NewServer(serverConfig, eventStore, userStore, logger)

	// Bus consumer (optional)
	busConfig := bus.LoadConfig()
	if busConfig.Enabled {
		consumer, err := bus.NewConsumer(busConfig, bus.NewDispatcher(handlers), logger)
		if err != nil {
			logger.Error("Failed to create bus consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}

		consumer.Start(ctx)
		server.RegisterCloser("bus consumer", consumer)
	} else {
		logger.Warn("Bus consumer disabled",
			slog.String("note", "Set CHIME_KAFKA_ENABLED=true to consume user events"),
		)
	}

	server.RegisterCloser("claim engine", closerFunc(func() error { engine.Close(); return nil }))
	server.RegisterCloser("worker pool", closerFunc(func() error { pool.Close(); return nil }))
	server.RegisterCloser("database", dbConn)

	if err := server.Start(); err != nil {
		logger.Error("Server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
