package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chime-io/chime/internal/scheduler"
)

// Compile-time interface checks.
var (
	_ scheduler.EventStore = (*MemoryEventStore)(nil)
	_ scheduler.UserStore  = (*MemoryUserStore)(nil)
)

// MemoryEventStore is an in-memory EventStore with the same semantics as the
// PostgreSQL implementation: unique idempotency keys, compare-and-swap updates
// and an atomic claim. Used in unit tests and local development.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*scheduler.Event
	byKey  map[string]string // idempotency key -> event ID
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string]*scheduler.Event),
		byKey:  make(map[string]string),
	}
}

// Insert persists a new event, rejecting duplicate idempotency keys.
func (s *MemoryEventStore) Insert(_ context.Context, event *scheduler.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[event.IdempotencyKey]; exists {
		return fmt.Errorf("%w: %s", scheduler.ErrDuplicateIdempotencyKey, event.IdempotencyKey)
	}

	stored := *event
	s.events[event.ID] = &stored
	s.byKey[event.IdempotencyKey] = event.ID

	return nil
}

// FindByID loads a copy of a single event.
func (s *MemoryEventStore) FindByID(_ context.Context, id string) (*scheduler.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrEventNotFound, id)
	}

	event := *stored

	return &event, nil
}

// FindByUser loads copies of all events owned by a user, ordered by target time.
func (s *MemoryEventStore) FindByUser(_ context.Context, userID string) ([]*scheduler.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*scheduler.Event

	for _, stored := range s.events {
		if stored.UserID == userID {
			event := *stored
			events = append(events, &event)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].TargetUTC.Before(events[j].TargetUTC)
	})

	return events, nil
}

// Update applies a mutated event guarded by a compare-and-swap on the version
// the caller read.
func (s *MemoryEventStore) Update(_ context.Context, event *scheduler.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.events[event.ID]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrEventNotFound, event.ID)
	}

	if stored.Version != event.Version-1 {
		return fmt.Errorf("%w: event %s version %d", scheduler.ErrOptimisticLockConflict, event.ID, event.Version-1)
	}

	// A reschedule re-derives the idempotency key; another row may already
	// hold the new one.
	if ownerID, exists := s.byKey[event.IdempotencyKey]; exists && ownerID != event.ID {
		return fmt.Errorf("%w: %s", scheduler.ErrDuplicateIdempotencyKey, event.IdempotencyKey)
	}

	delete(s.byKey, stored.IdempotencyKey)

	updated := *event
	s.events[event.ID] = &updated
	s.byKey[event.IdempotencyKey] = event.ID

	return nil
}

// Claim atomically moves up to limit due events to PROCESSING and returns copies.
func (s *MemoryEventStore) Claim(_ context.Context, now time.Time, limit int, visibilityTimeout time.Duration) ([]*scheduler.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UTC().Add(-visibilityTimeout)

	var due []*scheduler.Event

	for _, stored := range s.events {
		switch stored.Status {
		case scheduler.StatusPending:
			if !stored.TargetUTC.After(now.UTC()) {
				due = append(due, stored)
			}
		case scheduler.StatusProcessing:
			if !stored.UpdatedAt.After(cutoff) {
				due = append(due, stored)
			}
		case scheduler.StatusCompleted, scheduler.StatusFailed:
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].TargetUTC.Before(due[j].TargetUTC)
	})

	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*scheduler.Event, 0, len(due))

	for _, stored := range due {
		stored.Status = scheduler.StatusProcessing
		stored.Version++
		stored.UpdatedAt = now.UTC()

		event := *stored
		claimed = append(claimed, &event)
	}

	return claimed, nil
}

// DeleteByUser removes all events owned by a user.
func (s *MemoryEventStore) DeleteByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, stored := range s.events {
		if stored.UserID == userID {
			delete(s.byKey, stored.IdempotencyKey)
			delete(s.events, id)
		}
	}

	return nil
}

// Stats returns event counts by status.
func (s *MemoryEventStore) Stats(_ context.Context) (*scheduler.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &scheduler.StoreStats{}

	for _, stored := range s.events {
		switch stored.Status {
		case scheduler.StatusPending:
			stats.PendingCount++

			if stats.OldestPending == nil || stored.TargetUTC.Before(*stats.OldestPending) {
				t := stored.TargetUTC
				stats.OldestPending = &t
			}
		case scheduler.StatusProcessing:
			stats.ProcessingCount++
		case scheduler.StatusCompleted:
			stats.CompletedCount++
		case scheduler.StatusFailed:
			stats.FailedCount++
		}
	}

	return stats, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryEventStore) HealthCheck(_ context.Context) error {
	return nil
}

// MemoryUserStore is an in-memory UserStore for unit tests and local development.
type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]*scheduler.User
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*scheduler.User)}
}

// Upsert creates or replaces a user by ID.
func (s *MemoryUserStore) Upsert(_ context.Context, user *scheduler.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *user
	s.users[user.ID] = &stored

	return nil
}

// FindByID loads a copy of a user.
func (s *MemoryUserStore) FindByID(_ context.Context, id string) (*scheduler.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUserNotFound, id)
	}

	user := *stored

	return &user, nil
}

// Delete removes a user; absent users are a no-op.
func (s *MemoryUserStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, id)

	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryUserStore) HealthCheck(_ context.Context) error {
	return nil
}
