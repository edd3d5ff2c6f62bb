package domain

import (
	"fmt"
	"time"
)

// DaySchedule is the opening window of one weekday, "HH:MM" in the organization's timezone
type DaySchedule struct {
	Weekday time.Weekday `json:"weekday"`
	Open    string       `json:"open"`
	Close   string       `json:"close"`
}

// WorkingHours is a weekly schedule; a disabled schedule means always open
type WorkingHours struct {
	Enabled bool          `json:"enabled"`
	Days    []DaySchedule `json:"days"`
}

// Validate checks every window parses
func (w WorkingHours) Validate() error {
	for _, d := range w.Days {
		if d.Weekday < time.Sunday || d.Weekday > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d.Weekday)
		}
		if _, err := parseClock(d.Open); err != nil {
			return fmt.Errorf("%s open: %w", d.Weekday, err)
		}
		if _, err := parseClock(d.Close); err != nil {
			return fmt.Errorf("%s close: %w", d.Weekday, err)
		}
	}
	return nil
}

// IsOpen reports whether t (already in the organization's location) falls inside a window.
// A window whose close is not after its open spans midnight.
func (w WorkingHours) IsOpen(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	now := t.Hour()*60 + t.Minute()
	for _, d := range w.Days {
		open, err := parseClock(d.Open)
		if err != nil {
			continue
		}
		closeAt, err := parseClock(d.Close)
		if err != nil {
			continue
		}
		switch {
		case open < closeAt:
			if d.Weekday == t.Weekday() && now >= open && now < closeAt {
				return true
			}
		default:
			// overnight: the tail belongs to the next weekday
			if d.Weekday == t.Weekday() && now >= open {
				return true
			}
			if (d.Weekday+1)%7 == t.Weekday() && now < closeAt {
				return true
			}
		}
	}
	return false
}

// Location returns the organization's timezone, falling back to UTC
func (o *Organization) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsWithinWorkingHours evaluates the schedule at the given instant
func (o *Organization) IsWithinWorkingHours(at time.Time) bool {
	return o.WorkingHours.IsOpen(at.In(o.Location()))
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
