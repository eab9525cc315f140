package scheduler

import (
	"fmt"

	"github.com/chime-io/chime/internal/timeutil"
)

type (
	// TypeHandler encapsulates the per-kind scheduling rules: when the next
	// occurrence falls and what message it carries. Adding an event kind means
	// registering a new handler; the claim engine and worker stay untouched.
	TypeHandler interface {
		// Type returns the event kind this handler serves.
		Type() EventType

		// NextOccurrence computes the next local delivery date strictly after
		// the given reference date, in the user's timezone.
		NextOccurrence(user *User, after timeutil.Date) (timeutil.Date, error)

		// FormatMessage renders the delivery message for the user.
		FormatMessage(user *User) string
	}

	// Registry maps event types to their handlers.
	Registry struct {
		handlers map[EventType]TypeHandler
	}
)

// NewRegistry builds a registry from the given handlers.
func NewRegistry(handlers ...TypeHandler) *Registry {
	m := make(map[EventType]TypeHandler, len(handlers))
	for _, h := range handlers {
		m[h.Type()] = h
	}

	return &Registry{handlers: m}
}

// Lookup returns the handler for the given type or ErrUnknownEventType.
func (r *Registry) Lookup(eventType EventType) (TypeHandler, error) {
	h, ok := r.handlers[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	return h, nil
}

// Types lists the registered event types.
func (r *Registry) Types() []EventType {
	types := make([]EventType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	return types
}
