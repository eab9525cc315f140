package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/timeutil"
)

// runPool processes the given events through a single-worker pool and waits
// for it to drain.
func runPool(t *testing.T, h *harness, deliverer scheduler.Deliverer, events []*scheduler.Event) {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := scheduler.NewPool(h.events, deliverer, h.generator, h.clock, 1, logger)
	pool.Start(ctx)

	for _, event := range events {
		require.NoError(t, pool.Enqueue(ctx, event))
	}

	pool.Close()
}

func claimDue(t *testing.T, h *harness) []*scheduler.Event {
	t.Helper()

	claimed, err := h.events.Claim(context.Background(), h.clock.Now(), 100, 10*time.Minute)
	require.NoError(t, err)

	return claimed
}

func TestPoolDeliverySuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

	h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
	claimed := claimDue(t, h)
	require.Len(t, claimed, 1)

	deliverer := &stubDeliverer{}
	runPool(t, h, deliverer, claimed)

	assert.Equal(t, 1, deliverer.count())

	event, err := h.events.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, event.Status)
	require.NotNil(t, event.ExecutedAt)
	assert.Equal(t, h.clock.Now(), *event.ExecutedAt)

	// Completion seeds next year's occurrence.
	pending := h.pendingEvents(t, "user-1")
	require.Len(t, pending, 1)
	assert.Equal(t, timeutil.Date{Year: 2027, Month: time.March, Day: 15}, pending[0].TargetLocal)
}

func TestPoolPermanentFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

	h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
	claimed := claimDue(t, h)
	require.Len(t, claimed, 1)

	deliverer := &stubDeliverer{}
	deliverer.setErr(fmt.Errorf("%w: status 404: no such hook", scheduler.ErrPermanentDelivery))
	runPool(t, h, deliverer, claimed)

	event, err := h.events.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailed, event.Status)
	assert.Contains(t, event.FailureReason, "status 404")
	assert.Equal(t, 1, event.RetryCount)

	// Permanent failure ends the chain: no next occurrence.
	assert.Empty(t, h.pendingEvents(t, "user-1"))
}

func TestPoolTransientFailureLeavesEventClaimed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

	h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
	claimed := claimDue(t, h)
	require.Len(t, claimed, 1)

	deliverer := &stubDeliverer{}
	deliverer.setErr(fmt.Errorf("%w: 3 attempts exhausted", scheduler.ErrTransientDelivery))
	runPool(t, h, deliverer, claimed)

	event, err := h.events.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusProcessing, event.Status)

	// Not yet reclaimable inside the visibility timeout.
	h.clock.Advance(5 * time.Minute)
	assert.Empty(t, claimDue(t, h))

	// After the visibility timeout the event is claimed again, and a recovered
	// receiver gets the delivery.
	h.clock.Advance(6 * time.Minute)
	reclaimed := claimDue(t, h)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].ID, reclaimed[0].ID)
	assert.Greater(t, reclaimed[0].Version, claimed[0].Version)

	deliverer.setErr(nil)
	runPool(t, h, deliverer, reclaimed)

	event, err = h.events.FindByID(ctx, reclaimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, event.Status)
	assert.Equal(t, 1, deliverer.count())
}

func TestPoolInvalidPayloadFailsPermanently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

	h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
	claimed := claimDue(t, h)
	require.Len(t, claimed, 1)

	// Simulate a row written by an older release with a broken payload.
	claimed[0].Payload.WebhookURL = ""

	deliverer := &stubDeliverer{}
	runPool(t, h, deliverer, claimed)

	assert.Zero(t, deliverer.count(), "invalid payload must not reach the deliverer")

	event, err := h.events.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailed, event.Status)
	assert.Contains(t, event.FailureReason, "invalid payload")
}

func TestPoolDiscardsOutcomeAfterLostOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

	h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
	claimed := claimDue(t, h)
	require.Len(t, claimed, 1)

	// A second claimer reclaims the event after a stall, bumping the version.
	h.clock.Advance(11 * time.Minute)
	reclaimed := claimDue(t, h)
	require.Len(t, reclaimed, 1)

	// The stale claimer's completion write loses the version race and is dropped.
	deliverer := &stubDeliverer{}
	runPool(t, h, deliverer, claimed)

	event, err := h.events.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusProcessing, event.Status)
	assert.Equal(t, reclaimed[0].Version, event.Version)
}

func TestPoolDeletedUserEndsRecurrenceQuietly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

	h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
	claimed := claimDue(t, h)
	require.Len(t, claimed, 1)

	// Deleting the user mid-flight makes the recurrence seed a quiet no-op.
	require.NoError(t, h.users.Delete(ctx, "user-1"))

	deliverer := &stubDeliverer{}
	runPool(t, h, deliverer, claimed)

	event, err := h.events.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, event.Status)
	assert.Empty(t, h.pendingEvents(t, "user-1"))
}

// flakyEventStore fails a scripted number of inserts before delegating.
type flakyEventStore struct {
	scheduler.EventStore

	mu       sync.Mutex
	failures int
}

func (s *flakyEventStore) Insert(ctx context.Context, event *scheduler.Event) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()

		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()

	return s.EventStore.Insert(ctx, event)
}

func TestPoolSeedFailureKeepsEventClaimed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	h.createUser(t, "user-1", timeutil.Date{Year: 1990, Month: time.March, Day: 15}, "America/New_York")

	h.clock.Set(time.Date(2026, time.March, 15, 13, 0, 5, 0, time.UTC))
	claimed := claimDue(t, h)
	require.Len(t, claimed, 1)

	// The store drops the first recurrence insert, as a flaky network would.
	flaky := &flakyEventStore{EventStore: h.events, failures: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	generator := scheduler.NewGenerator(flaky, h.users, h.registry, testWebhookURL, h.clock, logger)
	deliverer := &stubDeliverer{}

	pool := scheduler.NewPool(h.events, deliverer, generator, h.clock, 1, logger)
	pool.Start(ctx)
	require.NoError(t, pool.Enqueue(ctx, claimed[0]))
	pool.Close()

	// The failed seed aborts the unit before the COMPLETED write, so the
	// event stays claimed and the annual chain is not cut.
	event, err := h.events.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusProcessing, event.Status)
	assert.Empty(t, h.pendingEvents(t, "user-1"))

	// The visibility timeout redelivers the whole unit; the receiver
	// deduplicates the repeated webhook on its idempotency key.
	h.clock.Advance(11 * time.Minute)
	reclaimed := claimDue(t, h)
	require.Len(t, reclaimed, 1)
	require.Equal(t, claimed[0].ID, reclaimed[0].ID)

	retry := scheduler.NewPool(h.events, deliverer, generator, h.clock, 1, logger)
	retry.Start(ctx)
	require.NoError(t, retry.Enqueue(ctx, reclaimed[0]))
	retry.Close()

	event, err = h.events.FindByID(ctx, reclaimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, event.Status)
	assert.Equal(t, 2, deliverer.count())

	pending := h.pendingEvents(t, "user-1")
	require.Len(t, pending, 1)
	assert.Equal(t, timeutil.Date{Year: 2027, Month: time.March, Day: 15}, pending[0].TargetLocal)
}

func TestPoolEnqueueRespectsContext(t *testing.T) {
	h := newHarness(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A pool that never starts its workers never drains its queue.
	pool := scheduler.NewPool(h.events, &stubDeliverer{}, h.generator, h.clock, 1, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the queue to capacity, then the next enqueue must block and abort.
	err := errors.New("sentinel")

	for i := 0; i < 2; i++ {
		err = pool.Enqueue(ctx, newTestEvent(t))
		if err != nil {
			break
		}
	}

	assert.ErrorIs(t, err, context.Canceled)
}
