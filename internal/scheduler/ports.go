package scheduler

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for scheduler operations.
var (
	// ErrValidation indicates invalid domain input (bad payload, bad user fields).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = errors.New("invalid event transition")

	// ErrOptimisticLockConflict indicates a version mismatch on update: another
	// actor mutated the event since it was read.
	ErrOptimisticLockConflict = errors.New("optimistic lock conflict")

	// ErrDuplicateIdempotencyKey indicates an insert collided with an existing
	// event carrying the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrEventNotFound indicates the referenced event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUnknownEventType indicates no handler is registered for the event type.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrPermanentDelivery indicates the receiver rejected the delivery in a way
	// that retrying cannot fix (4xx other than 408/429).
	ErrPermanentDelivery = errors.New("permanent delivery failure")

	// ErrTransientDelivery indicates delivery failed after exhausting retries on
	// recoverable errors (5xx, 408, 429, network).
	ErrTransientDelivery = errors.New("transient delivery failure")
)

type (
	// StoreStats is a point-in-time snapshot of event counts by status, exposed
	// on the operational stats endpoint.
	StoreStats struct {
		PendingCount    int64      `json:"pendingCount"`
		ProcessingCount int64      `json:"processingCount"`
		CompletedCount  int64      `json:"completedCount"`
		FailedCount     int64      `json:"failedCount"`
		OldestPending   *time.Time `json:"oldestPending,omitempty"`
	}

	// EventStore persists scheduled events and implements the claim protocol.
	// internal/storage provides the Postgres and in-memory implementations.
	EventStore interface {
		// Insert persists a new PENDING event. Returns
		// ErrDuplicateIdempotencyKey when the idempotency key already exists.
		Insert(ctx context.Context, event *Event) error

		// FindByID loads a single event. Returns ErrEventNotFound when absent.
		FindByID(ctx context.Context, id string) (*Event, error)

		// FindByUser loads all events owned by a user, ordered by target time.
		FindByUser(ctx context.Context, userID string) ([]*Event, error)

		// Update persists a mutated event with a compare-and-swap on
		// event.Version-1 (the version the caller read before mutating).
		// Returns ErrOptimisticLockConflict when another actor won the race and
		// ErrEventNotFound when the row no longer exists.
		Update(ctx context.Context, event *Event) error

		// Claim atomically selects up to limit due events and moves them to
		// PROCESSING with a version bump. Due means PENDING with target at or
		// before now, or PROCESSING with no progress since now minus the
		// visibility timeout (a crashed claimer's abandoned work). Competing
		// claimers never receive the same event.
		Claim(ctx context.Context, now time.Time, limit int, visibilityTimeout time.Duration) ([]*Event, error)

		// DeleteByUser removes all events owned by a user regardless of status.
		DeleteByUser(ctx context.Context, userID string) error

		// Stats returns event counts by status.
		Stats(ctx context.Context) (*StoreStats, error)

		// HealthCheck verifies the backing store is reachable.
		HealthCheck(ctx context.Context) error
	}

	// UserStore persists scheduler users.
	UserStore interface {
		// Upsert creates or replaces a user by ID.
		Upsert(ctx context.Context, user *User) error

		// FindByID loads a user. Returns ErrUserNotFound when absent.
		FindByID(ctx context.Context, id string) (*User, error)

		// Delete removes a user. Deleting an absent user is not an error.
		Delete(ctx context.Context, id string) error

		// HealthCheck verifies the backing store is reachable.
		HealthCheck(ctx context.Context) error
	}

	// Clock abstracts time for deterministic tests.
	Clock interface {
		Now() time.Time
	}

	// Deliverer performs the outbound webhook delivery for a claimed event.
	// Implementations classify failures by wrapping ErrPermanentDelivery or
	// ErrTransientDelivery so the worker can decide between FAILED and retry.
	Deliverer interface {
		Deliver(ctx context.Context, payload Payload, idempotencyKey string) error
	}
)
