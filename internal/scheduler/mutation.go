package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chime-io/chime/internal/timeutil"
)

type (
	// Handlers applies user lifecycle mutations to the scheduler state:
	// creation, birthday change, timezone change, deletion. The bus consumer
	// and any future admin surface both dispatch into this type.
	Handlers struct {
		events    EventStore
		users     UserStore
		registry  *Registry
		generator *Generator
		clock     Clock
		logger    *slog.Logger
	}

	// RescheduleSummary reports the outcome of a bulk reschedule.
	//
	// Skipped counts events that could not be moved: terminal events are
	// immutable and in-flight PROCESSING events keep their original target, a
	// change arriving mid-delivery does not claw the delivery back.
	RescheduleSummary struct {
		Rescheduled int
		Skipped     int
		SkippedIDs  []string
	}
)

// NewHandlers wires the mutation handlers.
func NewHandlers(events EventStore, users UserStore, registry *Registry, generator *Generator, clock Clock, logger *slog.Logger) *Handlers {
	return &Handlers{
		events:    events,
		users:     users,
		registry:  registry,
		generator: generator,
		clock:     clock,
		logger:    logger,
	}
}

// HandleUserCreated validates and persists a new user, then seeds their first
// birthday event. Re-delivery of the same creation is safe: the upsert is
// idempotent and the seed deduplicates on the idempotency key.
func (h *Handlers) HandleUserCreated(ctx context.Context, user *User) error {
	if err := user.Validate(h.clock.Now()); err != nil {
		return err
	}

	if err := h.users.Upsert(ctx, user); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	if err := h.generator.SeedInitial(ctx, user, EventTypeBirthday); err != nil {
		return fmt.Errorf("failed to seed initial event: %w", err)
	}

	h.logger.Info("user created", "user_id", user.ID, "timezone", user.Timezone)

	return nil
}

// HandleBirthdayChanged updates the user's date of birth and moves every
// PENDING birthday event to the next occurrence of the new date.
//
// Events that lost a version race or are no longer PENDING are skipped and
// reported in the summary, not failed: a concurrent claim means delivery is
// already in flight for the old date, and the recurrence chain adopts the new
// date from the next completion onward.
func (h *Handlers) HandleBirthdayChanged(ctx context.Context, userID string, newDOB timeutil.Date) (*RescheduleSummary, error) {
	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	user.DateOfBirth = newDOB
	if err := user.Validate(h.clock.Now()); err != nil {
		return nil, err
	}

	if err := h.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	handler, err := h.registry.Lookup(EventTypeBirthday)
	if err != nil {
		return nil, err
	}

	summary, err := h.reschedulePending(ctx, user, EventTypeBirthday, func(event *Event) (timeutil.Date, string, error) {
		loc, err := timeutil.LoadZone(user.Timezone)
		if err != nil {
			return timeutil.Date{}, "", err
		}

		today := timeutil.NewDate(h.clock.Now().In(loc))

		target, err := handler.NextOccurrence(user, today)
		if err != nil {
			return timeutil.Date{}, "", err
		}

		return target, user.Timezone, nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("birthday changed",
		"user_id", userID,
		"new_dob", newDOB,
		"rescheduled", summary.Rescheduled,
		"skipped", summary.Skipped,
	)

	return summary, nil
}

// HandleTimezoneChanged updates the user's timezone and recomputes the UTC
// target of every PENDING event from its unchanged local date, so the delivery
// still lands at 09:00 on the same wall date in the new zone.
func (h *Handlers) HandleTimezoneChanged(ctx context.Context, userID, newZone string) (*RescheduleSummary, error) {
	if !timeutil.ValidateZone(newZone) {
		return nil, fmt.Errorf("%w: %q is not a valid IANA timezone", ErrValidation, newZone)
	}

	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	user.Timezone = newZone
	if err := h.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	summary, err := h.reschedulePending(ctx, user, "", func(event *Event) (timeutil.Date, string, error) {
		return event.TargetLocal, newZone, nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("timezone changed",
		"user_id", userID,
		"new_zone", newZone,
		"rescheduled", summary.Rescheduled,
		"skipped", summary.Skipped,
	)

	return summary, nil
}

// HandleUserDeleted removes the user and all their events in any status.
// Deleting an unknown user is a no-op.
func (h *Handlers) HandleUserDeleted(ctx context.Context, userID string) error {
	if err := h.events.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user events: %w", err)
	}

	if err := h.users.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	h.logger.Info("user deleted", "user_id", userID)

	return nil
}

// reschedulePending applies retarget to every PENDING event of the user,
// skipping events that are terminal, in flight, or lose the version race.
// A non-empty only restricts the pass to that event type; other types are out
// of scope for the mutation and are not counted at all.
func (h *Handlers) reschedulePending(ctx context.Context, user *User, only EventType, retarget func(*Event) (timeutil.Date, string, error)) (*RescheduleSummary, error) {
	events, err := h.events.FindByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user events: %w", err)
	}

	summary := &RescheduleSummary{}

	for _, event := range events {
		if only != "" && event.Type != only {
			continue
		}

		if event.Status != StatusPending {
			summary.Skipped++
			summary.SkippedIDs = append(summary.SkippedIDs, event.ID)

			continue
		}

		target, zone, err := retarget(event)
		if err != nil {
			return nil, err
		}

		targetUTC, err := timeutil.LocalToUTC(target.Year, target.Month, target.Day, DeliveryHour, DeliveryMinute, zone)
		if err != nil {
			return nil, err
		}

		if err := event.Reschedule(targetUTC, target, zone, h.clock.Now()); err != nil {
			return nil, err
		}

		if err := h.events.Update(ctx, event); err != nil {
			// A conflict or vanished row means a claimer or another mutation
			// won the race, and a duplicate key means another row already
			// holds the new target; the event is no longer ours to move.
			if errors.Is(err, ErrOptimisticLockConflict) || errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrDuplicateIdempotencyKey) {
				h.logger.Warn("skipping reschedule, event changed concurrently",
					"event_id", event.ID,
					"user_id", user.ID,
				)

				summary.Skipped++
				summary.SkippedIDs = append(summary.SkippedIDs, event.ID)

				continue
			}

			return nil, fmt.Errorf("failed to reschedule event %s: %w", event.ID, err)
		}

		summary.Rescheduled++
	}

	return summary, nil
}
