package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chime-io/chime/internal/scheduler"
)

// Server is the operational HTTP server. Besides serving probes it owns the
// process lifecycle: Start blocks until SIGINT/SIGTERM and then shuts down the
// HTTP listener and every registered closer in order.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time
	events     scheduler.EventStore
	users      scheduler.UserStore
	closers    []namedCloser
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// NewServer creates the operational HTTP server.
//
// Dependencies are injected explicitly rather than being part of ServerConfig:
// configuration (what) stays separated from dependencies (how).
func NewServer(cfg *ServerConfig, events scheduler.EventStore, users scheduler.UserStore, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		logger: logger,
		config: cfg,
		events: events,
		users:  users,
	}

	mux.HandleFunc("GET /healthz", server.handleHealth)
	mux.HandleFunc("GET /stats", server.handleStats)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      applyMiddleware(mux, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// RegisterCloser adds a component the server closes during shutdown. Closers
// run in registration order, so register in dependency order: intake first
// (bus consumer), then the claim engine, then the worker pool, then storage.
func (s *Server) RegisterCloser(name string, closer io.Closer) {
	s.closers = append(s.closers, namedCloser{name: name, closer: closer})
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting chime operational server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown stops the HTTP listener, then the registered components.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	for _, nc := range s.closers {
		s.logger.Info("closing component", slog.String("component", nc.name))

		if err := nc.closer.Close(); err != nil {
			s.logger.Error("failed to close component",
				slog.String("component", nc.name),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("server shutdown completed successfully")

	return nil
}
