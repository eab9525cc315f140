// Package timeutil provides timezone-aware calendar math for the chime scheduler.
//
// All conversions resolve against the IANA tz database via the standard library's
// time.LoadLocation. The package is pure and stateless: callers pass zone names and
// civil dates, and get back UTC instants or civil dates.
package timeutil

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for timezone operations.
var (
	// ErrInvalidZone is returned when a zone name does not resolve in the IANA database.
	ErrInvalidZone = errors.New("invalid IANA timezone")

	// ErrInvalidDate is returned when a civil date does not exist in the calendar.
	ErrInvalidDate = errors.New("invalid calendar date")
)

// Date is a civil calendar date with no timezone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date from the calendar components of t in t's location.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()

	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string into a Date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}

	return NewDate(t), nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// After reports whether d is strictly after other in calendar order.
func (d Date) After(other Date) bool {
	if d.Year != other.Year {
		return d.Year > other.Year
	}

	if d.Month != other.Month {
		return d.Month > other.Month
	}

	return d.Day > other.Day
}

// IsZero reports whether the date is the zero value.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// IsLeapYear reports whether year is a leap year in the proleptic Gregorian calendar.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// ValidateZone reports whether the zone name resolves in the IANA database.
// The empty string (which time.LoadLocation treats as UTC) is rejected: users
// must carry an explicit zone.
func ValidateZone(zone string) bool {
	if zone == "" {
		return false
	}

	_, err := time.LoadLocation(zone)

	return err == nil
}

// LoadZone resolves a zone name against the IANA database.
// Returns ErrInvalidZone when the name does not resolve.
func LoadZone(zone string) (*time.Location, error) {
	if zone == "" {
		return nil, fmt.Errorf("%w: empty zone name", ErrInvalidZone)
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, zone)
	}

	return loc, nil
}

// LocalToUTC converts a local wall time in the given zone to a UTC instant.
//
// DST policy: if the wall time falls inside a "spring forward" gap, the returned
// instant is the post-transition equivalent wall time (a 02:30 inside a gap that
// jumps 02:00 to 03:00 resolves to 03:30 local). time.Date already normalizes
// nonexistent wall times forward across the transition, which matches this policy.
// Ambiguous "fall back" wall times resolve to one of the two real instants; for a
// 09:00 delivery time neither case occurs in practice.
//
// Returns ErrInvalidZone when zone does not resolve, ErrInvalidDate when the civil
// date does not exist (e.g. Feb 30).
func LocalToUTC(year int, month time.Month, day, hour, minute int, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	t := time.Date(year, month, day, hour, minute, 0, 0, loc)

	// time.Date normalizes out-of-range components (Feb 30 becomes Mar 1 or 2).
	// Reject such inputs rather than silently shifting the calendar date.
	if ty, tm, td := t.Date(); ty != year || tm != month || td != day {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}

	return t.UTC(), nil
}

// NextOccurrence returns the next local date strictly after reference whose
// month/day match the given birthday.
//
// Leap-day rule: a (Feb, 29) birthday observed in a non-leap year downshifts to
// (Feb, 28). The zone is validated for contract symmetry with LocalToUTC even
// though the date arithmetic itself is calendar-pure.
func NextOccurrence(dobMonth time.Month, dobDay int, reference Date, zone string) (Date, error) {
	if !ValidateZone(zone) {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidZone, zone)
	}

	if dobMonth < time.January || dobMonth > time.December || dobDay < 1 || dobDay > 31 {
		return Date{}, fmt.Errorf("%w: month=%d day=%d", ErrInvalidDate, dobMonth, dobDay)
	}

	// The match lands either in the reference year or the one after.
	for year := reference.Year; year <= reference.Year+1; year++ {
		day := dobDay
		if dobMonth == time.February && dobDay == 29 && !IsLeapYear(year) {
			day = 28
		}

		candidate := Date{Year: year, Month: dobMonth, Day: day}
		if candidate.After(reference) {
			return candidate, nil
		}
	}

	// Unreachable: a candidate in reference.Year+1 is always strictly after reference.
	return Date{}, fmt.Errorf("%w: no occurrence after %s", ErrInvalidDate, reference)
}
