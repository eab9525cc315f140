// Package bus consumes user lifecycle events from Kafka and dispatches them to
// the scheduler's mutation handlers. The bus is the inbound edge of the
// scheduler: upstream identity services publish user changes, and this package
// turns them into schedule mutations.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/timeutil"
)

// User lifecycle event types carried on the bus, matching the eventType values
// the user context publishes.
const (
	TypeUserCreated         = "UserCreated"
	TypeUserBirthdayChanged = "UserBirthdayChanged"
	TypeUserTimezoneChanged = "UserTimezoneChanged"
	TypeUserDeleted         = "UserDeleted"
)

var (
	// ErrUnknownMessageType is returned for event types the dispatcher does not handle.
	ErrUnknownMessageType = errors.New("unknown bus message type")

	// ErrMalformedMessage is returned when a message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed bus message")
)

type (
	// Envelope is the common header of every bus message.
	Envelope struct {
		EventType  string    `json:"eventType"`
		OccurredAt time.Time `json:"occurredAt"`
		UserID     string    `json:"userId"`
	}

	// UserCreated announces a new user.
	UserCreated struct {
		Envelope

		FirstName   string `json:"firstName"`
		LastName    string `json:"lastName"`
		DateOfBirth string `json:"dateOfBirth"` // YYYY-MM-DD
		Timezone    string `json:"timezone"`
	}

	// UserBirthdayChanged announces a date of birth correction. The timezone
	// travels with the message but rescheduling uses the persisted one.
	UserBirthdayChanged struct {
		Envelope

		OldDateOfBirth string `json:"oldDateOfBirth"`
		NewDateOfBirth string `json:"newDateOfBirth"`
		Timezone       string `json:"timezone"`
	}

	// UserTimezoneChanged announces a timezone move. The date of birth travels
	// with the message but rescheduling keeps the persisted local dates.
	UserTimezoneChanged struct {
		Envelope

		OldTimezone string `json:"oldTimezone"`
		NewTimezone string `json:"newTimezone"`
		DateOfBirth string `json:"dateOfBirth"`
	}

	// UserDeleted announces a user removal.
	UserDeleted struct {
		Envelope
	}

	// Dispatcher routes decoded bus messages to the scheduler mutation handlers.
	Dispatcher struct {
		handlers *scheduler.Handlers
	}
)

// NewDispatcher creates a dispatcher over the given mutation handlers.
func NewDispatcher(handlers *scheduler.Handlers) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Dispatch decodes one raw bus message and applies it.
//
// Unknown event types return ErrUnknownMessageType and undecodable bodies
// return ErrMalformedMessage; the consumer treats both as poison messages to
// skip, not processing failures to retry.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if envelope.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrMalformedMessage)
	}

	switch envelope.EventType {
	case TypeUserCreated:
		return d.userCreated(ctx, raw, envelope)
	case TypeUserBirthdayChanged:
		return d.birthdayChanged(ctx, raw, envelope)
	case TypeUserTimezoneChanged:
		return d.timezoneChanged(ctx, raw, envelope)
	case TypeUserDeleted:
		return d.handlers.HandleUserDeleted(ctx, envelope.UserID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.EventType)
	}
}

func (d *Dispatcher) userCreated(ctx context.Context, raw []byte, envelope Envelope) error {
	var msg UserCreated
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	dob, err := timeutil.ParseDate(msg.DateOfBirth)
	if err != nil {
		return fmt.Errorf("%w: dateOfBirth: %v", ErrMalformedMessage, err)
	}

	now := envelope.OccurredAt.UTC()

	return d.handlers.HandleUserCreated(ctx, &scheduler.User{
		ID:          envelope.UserID,
		FirstName:   msg.FirstName,
		LastName:    msg.LastName,
		DateOfBirth: dob,
		Timezone:    msg.Timezone,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (d *Dispatcher) birthdayChanged(ctx context.Context, raw []byte, envelope Envelope) error {
	var msg UserBirthdayChanged
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	newDOB, err := timeutil.ParseDate(msg.NewDateOfBirth)
	if err != nil {
		return fmt.Errorf("%w: newDateOfBirth: %v", ErrMalformedMessage, err)
	}

	_, err = d.handlers.HandleBirthdayChanged(ctx, envelope.UserID, newDOB)

	return err
}

func (d *Dispatcher) timezoneChanged(ctx context.Context, raw []byte, envelope Envelope) error {
	var msg UserTimezoneChanged
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	_, err := d.handlers.HandleTimezoneChanged(ctx, envelope.UserID, msg.NewTimezone)

	return err
}
