package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/storage"
	"github.com/chime-io/chime/internal/timeutil"
)

const testWebhookURL = "https://hooks.example.com/birthday"

// harness bundles the scheduler domain wired over in-memory stores.
type harness struct {
	events    *storage.MemoryEventStore
	users     *storage.MemoryUserStore
	clock     *scheduler.ManualClock
	registry  *scheduler.Registry
	generator *scheduler.Generator
	handlers  *scheduler.Handlers
}

func newHarness(now time.Time) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := storage.NewMemoryEventStore()
	users := storage.NewMemoryUserStore()
	clock := scheduler.NewManualClock(now)
	registry := scheduler.NewRegistry(scheduler.NewBirthdayHandler(""))
	generator := scheduler.NewGenerator(events, users, registry, testWebhookURL, clock, logger)
	handlers := scheduler.NewHandlers(events, users, registry, generator, clock, logger)

	return &harness{
		events:    events,
		users:     users,
		clock:     clock,
		registry:  registry,
		generator: generator,
		handlers:  handlers,
	}
}

func (h *harness) createUser(t *testing.T, id string, dob timeutil.Date, zone string) *scheduler.User {
	t.Helper()

	user := &scheduler.User{
		ID:          id,
		FirstName:   "Jane",
		LastName:    "Doe",
		DateOfBirth: dob,
		Timezone:    zone,
		CreatedAt:   h.clock.Now(),
		UpdatedAt:   h.clock.Now(),
	}

	require.NoError(t, h.handlers.HandleUserCreated(context.Background(), user))

	return user
}

func (h *harness) pendingEvents(t *testing.T, userID string) []*scheduler.Event {
	t.Helper()

	all, err := h.events.FindByUser(context.Background(), userID)
	require.NoError(t, err)

	var pending []*scheduler.Event

	for _, e := range all {
		if e.Status == scheduler.StatusPending {
			pending = append(pending, e)
		}
	}

	return pending
}

// stubDeliverer records deliveries and returns scripted errors.
type stubDeliverer struct {
	mu        sync.Mutex
	err       error
	delivered []stubDelivery
}

type stubDelivery struct {
	payload        scheduler.Payload
	idempotencyKey string
}

func (d *stubDeliverer) Deliver(_ context.Context, payload scheduler.Payload, idempotencyKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}

	d.delivered = append(d.delivered, stubDelivery{payload: payload, idempotencyKey: idempotencyKey})

	return nil
}

func (d *stubDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.delivered)
}

func (d *stubDeliverer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.err = err
}
