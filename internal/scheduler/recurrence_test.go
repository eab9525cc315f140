package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/timeutil"
)

func TestSeedInitial(t *testing.T) {
	ctx := context.Background()
	dob := timeutil.Date{Year: 1990, Month: time.March, Day: 15}

	t.Run("schedules next birthday at 09:00 local", func(t *testing.T) {
		h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", dob, "America/New_York")

		pending := h.pendingEvents(t, "user-1")
		require.Len(t, pending, 1)

		// 09:00 EDT on 2026-03-15 is 13:00 UTC.
		assert.Equal(t, time.Date(2026, time.March, 15, 13, 0, 0, 0, time.UTC), pending[0].TargetUTC)
		assert.Equal(t, timeutil.Date{Year: 2026, Month: time.March, Day: 15}, pending[0].TargetLocal)
		assert.Equal(t, scheduler.EventTypeBirthday, pending[0].Type)
		assert.Equal(t, testWebhookURL, pending[0].Payload.WebhookURL)
		assert.Equal(t, "Hey, Jane Doe it's your birthday", pending[0].Payload.Message)
	})

	t.Run("birthday today before 09:00 schedules today", func(t *testing.T) {
		// 12:00 UTC is 08:00 EDT, one hour before delivery time.
		h := newHarness(time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", dob, "America/New_York")

		pending := h.pendingEvents(t, "user-1")
		require.Len(t, pending, 1)
		assert.Equal(t, time.Date(2026, time.March, 15, 13, 0, 0, 0, time.UTC), pending[0].TargetUTC)
	})

	t.Run("birthday today after 09:00 schedules next year", func(t *testing.T) {
		// 14:00 UTC is 10:00 EDT, one hour past delivery time.
		h := newHarness(time.Date(2026, time.March, 15, 14, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", dob, "America/New_York")

		pending := h.pendingEvents(t, "user-1")
		require.Len(t, pending, 1)
		assert.Equal(t, time.Date(2027, time.March, 15, 13, 0, 0, 0, time.UTC), pending[0].TargetUTC)
	})

	t.Run("re-creating a user does not duplicate the event", func(t *testing.T) {
		h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
		user := h.createUser(t, "user-1", dob, "America/New_York")

		require.NoError(t, h.handlers.HandleUserCreated(ctx, user))

		assert.Len(t, h.pendingEvents(t, "user-1"), 1)
	})
}

func TestSeedNext(t *testing.T) {
	ctx := context.Background()

	completedEvent := func(h *harness, t *testing.T, userID string) *scheduler.Event {
		t.Helper()

		pending := h.pendingEvents(t, userID)
		require.Len(t, pending, 1)
		event := pending[0]

		require.NoError(t, event.BeginProcessing(h.clock.Now()))
		require.NoError(t, h.events.Update(ctx, event))
		require.NoError(t, event.Complete(h.clock.Now()))
		require.NoError(t, h.events.Update(ctx, event))

		return event
	}

	t.Run("seeds the following year", func(t *testing.T) {
		h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

		h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
		completed := completedEvent(h, t, "user-1")

		require.NoError(t, h.generator.SeedNext(ctx, completed))

		pending := h.pendingEvents(t, "user-1")
		require.Len(t, pending, 1)
		assert.Equal(t, time.Date(2027, time.March, 15, 13, 0, 0, 0, time.UTC), pending[0].TargetUTC)
	})

	t.Run("leap day chain stays on feb 28 until the next leap year", func(t *testing.T) {
		h := newHarness(time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", timeutil.Date{Year: 1992, Month: time.February, Day: 29}, "UTC")

		h.clock.Set(time.Date(2025, time.February, 28, 9, 0, 5, 0, time.UTC))
		completed := completedEvent(h, t, "user-1")
		require.NoError(t, h.generator.SeedNext(ctx, completed))

		pending := h.pendingEvents(t, "user-1")
		require.Len(t, pending, 1)
		assert.Equal(t, timeutil.Date{Year: 2026, Month: time.February, Day: 28}, pending[0].TargetLocal)
	})

	t.Run("leap day observed on feb 29 in a leap year", func(t *testing.T) {
		h := newHarness(time.Date(2027, time.January, 10, 12, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", timeutil.Date{Year: 1992, Month: time.February, Day: 29}, "UTC")

		h.clock.Set(time.Date(2027, time.February, 28, 9, 0, 5, 0, time.UTC))
		completed := completedEvent(h, t, "user-1")
		require.NoError(t, h.generator.SeedNext(ctx, completed))

		pending := h.pendingEvents(t, "user-1")
		require.Len(t, pending, 1)
		assert.Equal(t, timeutil.Date{Year: 2028, Month: time.February, Day: 29}, pending[0].TargetLocal)
	})

	t.Run("seeding twice is a no-op", func(t *testing.T) {
		h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

		h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
		completed := completedEvent(h, t, "user-1")

		require.NoError(t, h.generator.SeedNext(ctx, completed))
		require.NoError(t, h.generator.SeedNext(ctx, completed))

		assert.Len(t, h.pendingEvents(t, "user-1"), 1)
	})

	t.Run("deleted user ends the chain quietly", func(t *testing.T) {
		h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
		h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

		h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
		completed := completedEvent(h, t, "user-1")

		require.NoError(t, h.users.Delete(ctx, "user-1"))
		require.NoError(t, h.generator.SeedNext(ctx, completed))

		assert.Empty(t, h.pendingEvents(t, "user-1"))
	})
}
