package timeslot

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

func TestParseValidSlots(t *testing.T) {
	cases := map[string][2]int{
		"00:00": {0, 0},
		"08:30": {8, 30},
		"23:59": {23, 59},
	}
	for slot, want := range cases {
		hour, minute, err := Parse(slot)
		if err != nil {
			t.Errorf("Expected no error parsing %q, got %v", slot, err)
		}
		if hour != want[0] || minute != want[1] {
			t.Errorf("Expected %q to parse as %d:%d, got %d:%d", slot, want[0], want[1], hour, minute)
		}
	}
}

func TestParseInvalidSlots(t *testing.T) {
	for _, slot := range []string{"", "8:30", "08:3", "24:00", "12:60", "ab:cd", "08-30", "08:30:00"} {
		if _, _, err := Parse(slot); err == nil {
			t.Errorf("Expected error parsing %q, got nil", slot)
		} else if !errors.Is(err, models.ErrInvalidTimeSlot) {
			t.Errorf("Expected ErrInvalidTimeSlot for %q, got %v", slot, err)
		}
	}
}

func TestCronSpecDaily(t *testing.T) {
	spec, err := CronSpec("08:30", models.FrequencyDaily, time.Time{}, "Asia/Kolkata")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if spec != "CRON_TZ=Asia/Kolkata 30 8 * * *" {
		t.Errorf("Expected daily spec with timezone prefix, got %q", spec)
	}
}

func TestCronSpecWeeklyPinsWeekday(t *testing.T) {
	// 2026-08-03 is a Monday.
	start := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	spec, err := CronSpec("20:00", models.FrequencyWeekly, start, "America/New_York")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.HasSuffix(spec, "0 20 * * 1") {
		t.Errorf("Expected weekly spec pinned to Monday, got %q", spec)
	}
}

func TestCronSpecRejectsBadTimezone(t *testing.T) {
	if _, err := CronSpec("08:00", models.FrequencyDaily, time.Time{}, "Mars/Olympus"); err == nil {
		t.Error("Expected error for unknown timezone, got nil")
	}
}

func TestNextSameDay(t *testing.T) {
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)
	next, err := Next("08:00", "UTC", now)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Expected next trigger %v, got %v", want, next)
	}
}

func TestNextRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	next, err := Next("08:00", "UTC", now)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Expected next trigger %v, got %v", want, next)
	}
}

func TestNextUsesPatientTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 02:30 UTC is 08:00 IST, so an 08:00 slot should fire the same instant.
	now := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
	next, err := Next("08:00", "Asia/Kolkata", now)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := time.Date(2026, 8, 30, 8, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("Expected next trigger %v, got %v", want, next)
	}
}
