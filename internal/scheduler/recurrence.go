package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chime-io/chime/internal/timeutil"
)

// Generator creates the next occurrence of a recurring event. It runs in two
// places: when a user is created (seed the first occurrence) and when an event
// completes (seed the following year).
//
// The chain repairs itself: because the idempotency key is deterministic,
// seeding the same occurrence twice is a no-op, so a redelivered completion
// can always retry the seed safely.
type Generator struct {
	events     EventStore
	users      UserStore
	registry   *Registry
	webhookURL string
	clock      Clock
	logger     *slog.Logger
}

// NewGenerator wires the recurrence generator.
// webhookURL is the destination baked into every generated payload.
func NewGenerator(events EventStore, users UserStore, registry *Registry, webhookURL string, clock Clock, logger *slog.Logger) *Generator {
	return &Generator{
		events:     events,
		users:      users,
		registry:   registry,
		webhookURL: webhookURL,
		clock:      clock,
		logger:     logger,
	}
}

// SeedInitial schedules the first occurrence for a newly created user.
//
// If today in the user's timezone is the occurrence date and 09:00 local has
// not yet passed, the event targets today; otherwise it targets the next
// occurrence strictly after today.
func (g *Generator) SeedInitial(ctx context.Context, user *User, eventType EventType) error {
	handler, err := g.registry.Lookup(eventType)
	if err != nil {
		return err
	}

	now := g.clock.Now()

	loc, err := timeutil.LoadZone(user.Timezone)
	if err != nil {
		return err
	}

	today := timeutil.NewDate(now.In(loc))

	// Yesterday as reference makes today itself a candidate occurrence.
	yesterday := timeutil.NewDate(now.In(loc).AddDate(0, 0, -1))

	target, err := handler.NextOccurrence(user, yesterday)
	if err != nil {
		return err
	}

	if target == today {
		targetUTC, err := timeutil.LocalToUTC(target.Year, target.Month, target.Day, DeliveryHour, DeliveryMinute, user.Timezone)
		if err != nil {
			return err
		}

		// 09:00 already passed today: move on to the next occurrence.
		if !targetUTC.After(now) {
			target, err = handler.NextOccurrence(user, today)
			if err != nil {
				return err
			}
		}
	}

	return g.insert(ctx, user, handler, target)
}

// SeedNext schedules the occurrence following a just-delivered event.
//
// A deleted user is not an error: the delivery already happened, there is
// simply nothing more to schedule.
func (g *Generator) SeedNext(ctx context.Context, delivered *Event) error {
	user, err := g.users.FindByID(ctx, delivered.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			g.logger.Info("skipping recurrence for deleted user",
				"user_id", delivered.UserID,
				"event_id", delivered.ID,
			)

			return nil
		}

		return fmt.Errorf("failed to load user for recurrence: %w", err)
	}

	handler, err := g.registry.Lookup(delivered.Type)
	if err != nil {
		return err
	}

	target, err := handler.NextOccurrence(user, delivered.TargetLocal)
	if err != nil {
		return err
	}

	return g.insert(ctx, user, handler, target)
}

// insert builds and persists the PENDING event for the target date, treating a
// duplicate idempotency key as success.
func (g *Generator) insert(ctx context.Context, user *User, handler TypeHandler, target timeutil.Date) error {
	targetUTC, err := timeutil.LocalToUTC(target.Year, target.Month, target.Day, DeliveryHour, DeliveryMinute, user.Timezone)
	if err != nil {
		return err
	}

	payload := Payload{
		Message:    handler.FormatMessage(user),
		WebhookURL: g.webhookURL,
	}

	event := NewEvent(user.ID, handler.Type(), targetUTC, target, user.Timezone, payload, g.clock.Now())

	if err := g.events.Insert(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			g.logger.Debug("occurrence already scheduled",
				"user_id", user.ID,
				"target_utc", targetUTC,
			)

			return nil
		}

		return fmt.Errorf("failed to insert scheduled event: %w", err)
	}

	g.logger.Info("scheduled event",
		"event_id", event.ID,
		"user_id", user.ID,
		"event_type", event.Type,
		"target_utc", targetUTC,
	)

	return nil
}
