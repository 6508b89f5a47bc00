package models

import (
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

var ErrInvalidTimeSlot = errors.New("time slot must be HH:MM")

// TimeSlot is a wall-clock time of day in the facility's zone, formatted HH:MM.
type TimeSlot string

func ParseTimeSlot(raw string) (TimeSlot, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return TimeSlot(parsed.Format("15:04")), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTimeSlot, raw)
}

// Minutes returns minutes since midnight, or -1 when the slot is malformed.
func (s TimeSlot) Minutes() int {
	parsed, err := time.Parse("15:04", string(s))
	if err != nil {
		return -1
	}
	return parsed.Hour()*60 + parsed.Minute()
}

func (s TimeSlot) Valid() bool {
	return s.Minutes() >= 0
}

// ParseDate parses a YYYY-MM-DD calendar date into midnight UTC.
func ParseDate(raw string) (time.Time, error) {
	return time.Parse(dateLayout, raw)
}

func FormatDate(date time.Time) string {
	return date.Format(dateLayout)
}

// DateOf drops the clock and zone of t, keeping its calendar date as midnight UTC.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WallClock re-labels t's local wall-clock reading as UTC so it can be
// compared with scheduled date+slot values, which carry no zone.
func WallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// SlotStart combines a calendar date and a slot into a zone-less wall-clock instant.
func SlotStart(date time.Time, slot TimeSlot) time.Time {
	return DateOf(date).Add(time.Duration(slot.Minutes()) * time.Minute)
}
