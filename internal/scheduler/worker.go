package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Pool dispatches claimed events to a fixed set of workers over a bounded
// channel. The bounded channel is the backpressure mechanism: when workers
// fall behind, Enqueue blocks and the tick loop stops claiming more work.
type Pool struct {
	events    EventStore
	deliverer Deliverer
	generator *Generator
	clock     Clock
	logger    *slog.Logger

	size  int
	queue chan *Event

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool creates a worker pool with size workers and a queue of the same capacity.
func NewPool(events EventStore, deliverer Deliverer, generator *Generator, clock Clock, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}

	return &Pool{
		events:    events,
		deliverer: deliverer,
		generator: generator,
		clock:     clock,
		logger:    logger,
		size:      size,
		queue:     make(chan *Event, size),
	}
}

// Start launches the workers. Workers drain the queue until Close is called,
// then exit once the queue is empty.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)

		go func(id int) {
			defer p.wg.Done()

			for event := range p.queue {
				if err := p.process(ctx, event); err != nil {
					p.logger.Error("event processing failed",
						"worker", id,
						"event_id", event.ID,
						"error", err,
					)
				}
			}
		}(i)
	}

	p.logger.Info("worker pool started", "size", p.size)
}

// Enqueue hands a claimed event to the pool, blocking while the queue is full.
// Returns ctx.Err() if the context ends first.
func (p *Pool) Enqueue(ctx context.Context, event *Event) error {
	select {
	case p.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits for in-flight events to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	})
}

// process delivers one claimed event and persists the outcome.
//
// An event that cannot be persisted as COMPLETED or FAILED is deliberately
// left in PROCESSING: the visibility timeout returns it to a future claim, so
// no outcome is ever silently dropped. The at-least-once consequence is that
// a crash after delivery but before the COMPLETED write re-delivers; receivers
// deduplicate on the Idempotency-Key header.
func (p *Pool) process(ctx context.Context, event *Event) error {
	if err := ValidatePayload(event.Payload); err != nil {
		return p.fail(ctx, event, fmt.Sprintf("invalid payload: %v", err))
	}

	if err := p.deliverer.Deliver(ctx, event.Payload, event.IdempotencyKey); err != nil {
		if errors.Is(err, ErrPermanentDelivery) {
			return p.fail(ctx, event, err.Error())
		}

		// Transient failure: leave the event in PROCESSING and let the
		// visibility timeout recycle it.
		return fmt.Errorf("delivery failed, event stays claimed for retry: %w", err)
	}

	// The seed must land before the COMPLETED write: a COMPLETED row never
	// re-enters the claim path, so failing here instead leaves the event in
	// PROCESSING and the visibility timeout retries the whole unit. The
	// receiver deduplicates the repeated webhook on its Idempotency-Key and
	// the seed's deterministic key makes the eventual insert a no-op.
	if err := p.generator.SeedNext(ctx, event); err != nil {
		return fmt.Errorf("failed to seed next occurrence, event stays claimed for retry: %w", err)
	}

	if err := event.Complete(p.clock.Now()); err != nil {
		return err
	}

	if err := p.events.Update(ctx, event); err != nil {
		if p.lostOwnership(event, err) {
			return nil
		}

		return fmt.Errorf("failed to persist completion: %w", err)
	}

	p.logger.Info("event delivered",
		"event_id", event.ID,
		"user_id", event.UserID,
		"executed_at", event.ExecutedAt,
	)

	return nil
}

// fail records a permanent failure. Terminal, no recurrence is seeded.
func (p *Pool) fail(ctx context.Context, event *Event, reason string) error {
	if err := event.Fail(reason, p.clock.Now()); err != nil {
		return err
	}

	if err := p.events.Update(ctx, event); err != nil {
		if p.lostOwnership(event, err) {
			return nil
		}

		return fmt.Errorf("failed to persist failure: %w", err)
	}

	p.logger.Warn("event failed permanently",
		"event_id", event.ID,
		"user_id", event.UserID,
		"reason", reason,
	)

	return nil
}

// lostOwnership recognizes update errors that mean another actor took the
// event (reclaim after a long stall, or user deletion mid-flight). The losing
// side abandons its write: the winner's outcome stands.
func (p *Pool) lostOwnership(event *Event, err error) bool {
	if errors.Is(err, ErrOptimisticLockConflict) {
		p.logger.Warn("lost event ownership, discarding outcome",
			"event_id", event.ID,
		)

		return true
	}

	if errors.Is(err, ErrEventNotFound) {
		p.logger.Info("event deleted mid-flight, discarding outcome",
			"event_id", event.ID,
		)

		return true
	}

	return false
}
