package scheduler

import (
	"strings"

	"github.com/chime-io/chime/internal/timeutil"
)

// DefaultBirthdayTemplate is the message used when no template override is
// configured. {fullName} expands to the user's full name.
const DefaultBirthdayTemplate = "Hey, {fullName} it's your birthday"

// Compile-time interface check.
var _ TypeHandler = (*BirthdayHandler)(nil)

// BirthdayHandler schedules one delivery per (user, year) on the user's
// birthday. A Feb 29 birthday is observed on Feb 28 in non-leap years.
type BirthdayHandler struct {
	template string
}

// NewBirthdayHandler creates the handler with the given message template.
// An empty template falls back to DefaultBirthdayTemplate.
func NewBirthdayHandler(template string) *BirthdayHandler {
	if template == "" {
		template = DefaultBirthdayTemplate
	}

	return &BirthdayHandler{template: template}
}

// Type returns EventTypeBirthday.
func (h *BirthdayHandler) Type() EventType {
	return EventTypeBirthday
}

// NextOccurrence returns the user's next birthday strictly after the reference date.
func (h *BirthdayHandler) NextOccurrence(user *User, after timeutil.Date) (timeutil.Date, error) {
	return timeutil.NextOccurrence(user.DateOfBirth.Month, user.DateOfBirth.Day, after, user.Timezone)
}

// FormatMessage renders the birthday message for the user.
func (h *BirthdayHandler) FormatMessage(user *User) string {
	return strings.ReplaceAll(h.template, "{fullName}", user.FullName())
}
