package scheduler

import (
	"fmt"
	"time"

	"github.com/chime-io/chime/internal/timeutil"
)

// User is a person the scheduler delivers events for.
type User struct {
	ID          string
	FirstName   string
	LastName    string
	DateOfBirth timeutil.Date
	Timezone    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FullName renders the display name used in delivery messages.
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// Validate checks the user's fields against domain rules. All failures wrap
// ErrValidation.
func (u *User) Validate(now time.Time) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}

	if u.FirstName == "" || u.LastName == "" {
		return fmt.Errorf("%w: first and last name are required", ErrValidation)
	}

	if !timeutil.ValidateZone(u.Timezone) {
		return fmt.Errorf("%w: %q is not a valid IANA timezone", ErrValidation, u.Timezone)
	}

	if u.DateOfBirth.IsZero() {
		return fmt.Errorf("%w: date of birth is required", ErrValidation)
	}

	if u.DateOfBirth.After(timeutil.NewDate(now.UTC())) {
		return fmt.Errorf("%w: date of birth %s is in the future", ErrValidation, u.DateOfBirth)
	}

	return nil
}
