package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/timeutil"
)

func TestRegistryLookup(t *testing.T) {
	registry := scheduler.NewRegistry(scheduler.NewBirthdayHandler(""))

	handler, err := registry.Lookup(scheduler.EventTypeBirthday)
	require.NoError(t, err)
	assert.Equal(t, scheduler.EventTypeBirthday, handler.Type())

	_, err = registry.Lookup(scheduler.EventType("ANNIVERSARY"))
	assert.ErrorIs(t, err, scheduler.ErrUnknownEventType)
}

func TestBirthdayHandlerFormatMessage(t *testing.T) {
	user := &scheduler.User{FirstName: "Jane", LastName: "Doe"}

	t.Run("default template", func(t *testing.T) {
		handler := scheduler.NewBirthdayHandler("")
		assert.Equal(t, "Hey, Jane Doe it's your birthday", handler.FormatMessage(user))
	})

	t.Run("custom template", func(t *testing.T) {
		handler := scheduler.NewBirthdayHandler("Happy birthday, {fullName}!")
		assert.Equal(t, "Happy birthday, Jane Doe!", handler.FormatMessage(user))
	})
}

func TestBirthdayHandlerNextOccurrence(t *testing.T) {
	handler := scheduler.NewBirthdayHandler("")

	user := &scheduler.User{
		DateOfBirth: timeutil.Date{Year: 1992, Month: time.February, Day: 29},
		Timezone:    "UTC",
	}

	got, err := handler.NextOccurrence(user, timeutil.Date{Year: 2025, Month: time.January, Day: 1})
	require.NoError(t, err)
	assert.Equal(t, timeutil.Date{Year: 2025, Month: time.February, Day: 28}, got)

	got, err = handler.NextOccurrence(user, got)
	require.NoError(t, err)
	assert.Equal(t, timeutil.Date{Year: 2026, Month: time.February, Day: 28}, got)
}
