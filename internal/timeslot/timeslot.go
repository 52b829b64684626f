// Package timeslot converts wall-clock medication time slots into trigger
// schedules.
//
// A time slot is an "HH:MM" 24-hour string interpreted in the patient's
// IANA timezone. The package produces cron specs for recurring triggers and
// resolves the next trigger instant for a slot.
package timeslot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

// Parse validates an "HH:MM" 24-hour time slot and returns its components.
// Malformed slots are a configuration error surfaced to the caller.
func Parse(slot string) (hour, minute int, err error) {
	parts := strings.Split(slot, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", models.ErrInvalidTimeSlot, slot)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: %q", models.ErrInvalidTimeSlot, slot)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", models.ErrInvalidTimeSlot, slot)
	}
	return hour, minute, nil
}

// LoadLocation resolves an IANA timezone name, defaulting to UTC when empty.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidTimezone, tz)
	}
	return loc, nil
}

// CronSpec builds a cron spec for a slot in the given timezone.
//
// Daily-cadence frequencies fire every day at the slot time. Weekly
// frequencies pin the day of week from the medication start date so the
// reminder recurs on the same weekday the course began.
func CronSpec(slot string, frequency models.Frequency, startDate time.Time, tz string) (string, error) {
	hour, minute, err := Parse(slot)
	if err != nil {
		return "", err
	}
	if _, err := LoadLocation(tz); err != nil {
		return "", err
	}

	dow := "*"
	if frequency == models.FrequencyWeekly {
		day := startDate.Weekday()
		if startDate.IsZero() {
			day = time.Now().Weekday()
		}
		dow = strconv.Itoa(int(day))
	}

	spec := fmt.Sprintf("%d %d * * %s", minute, hour, dow)
	if tz != "" {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	return spec, nil
}

// Next returns the next instant the slot fires in the given timezone,
// strictly after now.
func Next(slot, tz string, now time.Time) (time.Time, error) {
	hour, minute, err := Parse(slot)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}
