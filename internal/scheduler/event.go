// Package scheduler provides the domain core of the chime event scheduler:
// the event and user models, the event state machine, the claim-and-dispatch
// worker pool, the recurrence generator, and the user-mutation handlers.
//
// The package defines the ports it needs (EventStore, UserStore, Clock,
// Deliverer) and concrete adapters live in internal/storage and
// internal/webhook, following the Dependency Inversion Principle.
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chime-io/chime/internal/timeutil"
)

type (
	// EventStatus represents the lifecycle state of a scheduled event.
	EventStatus string

	// EventType is the closed enum of schedulable event kinds.
	// Only BIRTHDAY exists today; new kinds register a TypeHandler
	// without touching the scheduler core.
	EventType string

	// Payload is the delivery payload carried by an event.
	//
	// The webhookUrl field is consumed by the webhook client to address the
	// POST and is never forwarded in the request body; only the message (and
	// any future fields) travel to the receiver.
	Payload struct {
		Message    string `json:"message"`
		WebhookURL string `json:"webhookUrl"` //nolint:tagliatelle // wire contract uses camelCase
	}

	// Event is a single scheduled delivery owned by exactly one user.
	//
	// Events are transient views over store rows; the store owns all state.
	// Every persisted mutation bumps Version by exactly one, and the store's
	// Update enforces the bump with a compare-and-swap on the previous value.
	Event struct {
		// ID is an opaque 128-bit identifier (UUID string).
		ID string

		// UserID references the owning user; deletion cascades.
		UserID string

		// Type tags the event kind (BIRTHDAY).
		Type EventType

		// Status is the current state machine position.
		Status EventStatus

		// TargetUTC is the instant delivery must occur.
		TargetUTC time.Time

		// TargetLocal and Zone retain the local wall date and IANA zone so a
		// timezone change can recompute TargetUTC without re-deriving from the
		// date of birth. The wall clock time is always DeliveryHour:DeliveryMinute.
		TargetLocal timeutil.Date
		Zone        string

		// ExecutedAt is nil until the event reaches COMPLETED.
		ExecutedAt *time.Time

		// FailureReason is empty unless the event reached FAILED.
		FailureReason string

		// RetryCount increments only on FAILED transitions.
		RetryCount int

		// Version is the optimistic concurrency counter. New events start at 1.
		Version int

		// IdempotencyKey is globally unique and derived deterministically from
		// (user id, target UTC), making recurrence inserts safe to retry.
		IdempotencyKey string

		// Payload is the rendered delivery payload.
		Payload Payload

		CreatedAt time.Time
		UpdatedAt time.Time
	}
)

// Event lifecycle states.
const (
	// StatusPending means the event is waiting to become due.
	StatusPending EventStatus = "PENDING"

	// StatusProcessing means a claimer holds the event; reclaimable after the
	// visibility timeout.
	StatusProcessing EventStatus = "PROCESSING"

	// StatusCompleted is terminal: the webhook was delivered.
	StatusCompleted EventStatus = "COMPLETED"

	// StatusFailed is terminal: delivery failed permanently.
	StatusFailed EventStatus = "FAILED"
)

// EventTypeBirthday is the single event kind shipped today.
const EventTypeBirthday EventType = "BIRTHDAY"

// Delivery wall-clock time: events fire at 09:00 local.
const (
	DeliveryHour   = 9
	DeliveryMinute = 0
)

// ValidStatuses returns all event lifecycle states.
func ValidStatuses() []EventStatus {
	return []EventStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
}

// IsValid checks if the status is a known lifecycle state.
func (s EventStatus) IsValid() bool {
	for _, valid := range ValidStatuses() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true for states with no outbound transitions.
// Terminal events are immutable.
func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// String returns the string representation of the status.
func (s EventStatus) String() string {
	return string(s)
}

// CanTransitionTo reports whether the state machine permits moving from s to.
//
// Allowed transitions:
//   - PENDING → PROCESSING (claim)
//   - PROCESSING → COMPLETED (successful delivery)
//   - PROCESSING → FAILED (permanent delivery error)
//   - PENDING → PENDING (reschedule)
func (s EventStatus) CanTransitionTo(to EventStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusPending
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// NewEvent builds a PENDING event for the given user and target occurrence.
// The idempotency key is derived from (userID, targetUTC), so re-creating the
// same occurrence yields the same key and the store's unique index deduplicates.
func NewEvent(userID string, eventType EventType, targetUTC time.Time, targetLocal timeutil.Date, zone string, payload Payload, now time.Time) *Event {
	return &Event{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           eventType,
		Status:         StatusPending,
		TargetUTC:      targetUTC.UTC(),
		TargetLocal:    targetLocal,
		Zone:           zone,
		Version:        1,
		IdempotencyKey: NewIdempotencyKey(userID, targetUTC),
		Payload:        payload,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// NewIdempotencyKey derives the deterministic idempotency key for a
// (user, target instant) pair.
//
// Formula: "event-" + first 16 hex chars of SHA256(userID || targetUTC RFC3339).
// Collisions across users and years are cryptographically negligible, and the
// key is stable across retries, which makes recurrence inserts idempotent.
func NewIdempotencyKey(userID string, targetUTC time.Time) string {
	sum := sha256.Sum256([]byte(userID + targetUTC.UTC().Format(time.RFC3339)))

	return "event-" + hex.EncodeToString(sum[:])[:16]
}

// BeginProcessing transitions PENDING → PROCESSING (the claim transition).
// Returns ErrInvalidTransition from any other state.
func (e *Event) BeginProcessing(now time.Time) error {
	if err := e.checkTransition(StatusProcessing); err != nil {
		return err
	}

	e.Status = StatusProcessing
	e.bump(now)

	return nil
}

// Complete transitions PROCESSING → COMPLETED and records the execution instant.
func (e *Event) Complete(executedAt time.Time) error {
	if err := e.checkTransition(StatusCompleted); err != nil {
		return err
	}

	executed := executedAt.UTC()
	e.Status = StatusCompleted
	e.ExecutedAt = &executed
	e.bump(executedAt)

	return nil
}

// Fail transitions PROCESSING → FAILED, records the failure reason, and
// increments the retry counter.
func (e *Event) Fail(reason string, now time.Time) error {
	if err := e.checkTransition(StatusFailed); err != nil {
		return err
	}

	e.Status = StatusFailed
	e.FailureReason = reason
	e.RetryCount++
	e.bump(now)

	return nil
}

// Reschedule moves a PENDING event to a new target occurrence (PENDING → PENDING).
// The idempotency key is re-derived from the new target so the
// one-row-per-(user, target) invariant holds after the move.
// Events in any other state are immutable and return ErrInvalidTransition.
func (e *Event) Reschedule(targetUTC time.Time, targetLocal timeutil.Date, zone string, now time.Time) error {
	if err := e.checkTransition(StatusPending); err != nil {
		return err
	}

	e.TargetUTC = targetUTC.UTC()
	e.TargetLocal = targetLocal
	e.Zone = zone
	e.IdempotencyKey = NewIdempotencyKey(e.UserID, targetUTC)
	e.bump(now)

	return nil
}

// checkTransition validates the move against the state machine table.
func (e *Event) checkTransition(to EventStatus) error {
	if !e.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, e.Status, to)
	}

	return nil
}

// bump increments the optimistic version and touches the update timestamp.
// Every persisted mutation flows through here.
func (e *Event) bump(now time.Time) {
	e.Version++
	e.UpdatedAt = now.UTC()
}
