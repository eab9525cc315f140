package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type (
	// EngineConfig tunes the claim loop.
	EngineConfig struct {
		// TickInterval is the polling cadence.
		TickInterval time.Duration

		// ClaimBatchLimit caps the events claimed per tick.
		ClaimBatchLimit int

		// VisibilityTimeout is how long a PROCESSING event may sit without
		// progress before a tick reclaims it.
		VisibilityTimeout time.Duration
	}

	// Engine is the claim loop: on startup and on every tick it claims due
	// events from the store and feeds them to the worker pool.
	//
	// Claim errors are logged and never stop the loop; a missed tick costs at
	// most one interval of delay and the next tick picks the backlog up.
	Engine struct {
		events EventStore
		pool   *Pool
		clock  Clock
		cfg    EngineConfig
		logger *slog.Logger

		stopCh    chan struct{}
		doneCh    chan struct{}
		closeOnce sync.Once
	}
)

// DefaultEngineConfig returns the production defaults for the claim loop.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:      60 * time.Second,
		ClaimBatchLimit:   100,
		VisibilityTimeout: 10 * time.Minute,
	}
}

// NewEngine wires the claim loop.
func NewEngine(events EventStore, pool *Pool, clock Clock, cfg EngineConfig, logger *slog.Logger) *Engine {
	return &Engine{
		events: events,
		pool:   pool,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the claim loop in a background goroutine. The first tick runs
// immediately so a restart drains the downtime backlog without waiting a full
// interval.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)

	e.logger.Info("claim engine started",
		"tick_interval", e.cfg.TickInterval,
		"claim_batch_limit", e.cfg.ClaimBatchLimit,
		"visibility_timeout", e.cfg.VisibilityTimeout,
	)
}

// Close stops the loop and waits for the in-flight tick to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
		e.logger.Info("claim engine stopped")
	})
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	e.Tick(ctx)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick claims one batch of due events and enqueues them. Repeats until the
// store returns fewer events than the batch limit, so a large backlog drains
// in a single tick instead of one batch per interval.
func (e *Engine) Tick(ctx context.Context) {
	for {
		claimed, err := e.events.Claim(ctx, e.clock.Now(), e.cfg.ClaimBatchLimit, e.cfg.VisibilityTimeout)
		if err != nil {
			e.logger.Error("claim failed", "error", err)

			return
		}

		for _, event := range claimed {
			if err := e.pool.Enqueue(ctx, event); err != nil {
				e.logger.Error("enqueue aborted", "event_id", event.ID, "error", err)

				return
			}
		}

		if len(claimed) < e.cfg.ClaimBatchLimit {
			return
		}
	}
}
