package calendar

import (
	"testing"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
)

func mustCalendar(t *testing.T, cfg Config) *Calendar {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestSlotsForDay_DefaultHours(t *testing.T) {
	c := mustCalendar(t, DefaultConfig())
	day := time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC)

	slots := c.SlotsForDay(day)
	if len(slots) != 11 {
		t.Fatalf("expected 11 slots, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Format(time.RFC3339))
	}
	last := slots[len(slots)-1]
	if !last.Equal(day.Add(16*time.Hour + 30*time.Minute)) {
		t.Fatalf("expected last slot 16:30, got %s", last.Format(time.RFC3339))
	}
	for i := 1; i < len(slots); i++ {
		if slots[i].Sub(slots[i-1]) != 45*time.Minute {
			t.Fatalf("slot %d not 45 minutes after previous", i)
		}
	}
	if !last.Before(day.Add(17 * time.Hour)) {
		t.Fatalf("last slot must start before close")
	}
}

func TestSlotsForDay_NineSlotDay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Close = "15:45"
	c := mustCalendar(t, cfg)

	slots := c.SlotsForDay(time.Date(2025, 10, 13, 12, 0, 0, 0, time.UTC))
	if len(slots) != 9 {
		t.Fatalf("expected 9 slots, got %d", len(slots))
	}
	if got := slots[8].Format("15:04"); got != "15:00" {
		t.Fatalf("expected last slot 15:00, got %s", got)
	}
}

func TestSlotsForDay_IgnoresTimeOfDay(t *testing.T) {
	c := mustCalendar(t, DefaultConfig())
	a := c.SlotsForDay(time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC))
	b := c.SlotsForDay(time.Date(2025, 10, 13, 23, 59, 0, 0, time.UTC))
	if len(a) != len(b) || !a[0].Equal(b[0]) {
		t.Fatalf("slots depend on time of day")
	}
}

func TestIsAvailable_Boundary(t *testing.T) {
	c := mustCalendar(t, DefaultConfig())
	booked := time.Date(2025, 10, 13, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		slot time.Time
		want bool
	}{
		{"same time", booked, false},
		{"44 minutes later", booked.Add(44 * time.Minute), false},
		{"44 minutes earlier", booked.Add(-44 * time.Minute), false},
		{"45 minutes later", booked.Add(45 * time.Minute), true},
		{"45 minutes earlier", booked.Add(-45 * time.Minute), true},
		{"30 minutes later", booked.Add(30 * time.Minute), false},
	}
	for _, tc := range cases {
		if got := c.IsAvailable(tc.slot, []time.Time{booked}); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
	if !c.IsAvailable(booked, nil) {
		t.Fatalf("expected slot free with nothing booked")
	}
}

func TestIsAvailable_Symmetric(t *testing.T) {
	c := mustCalendar(t, DefaultConfig())
	a := time.Date(2025, 10, 13, 10, 0, 0, 0, time.UTC)
	b := a.Add(20 * time.Minute)
	if c.IsAvailable(a, []time.Time{b}) != c.IsAvailable(b, []time.Time{a}) {
		t.Fatalf("availability is not symmetric")
	}
}

func TestDay_MarksBookedSlots(t *testing.T) {
	c := mustCalendar(t, DefaultConfig())
	day := time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC)

	sched := c.Day(day, []time.Time{day.Add(9 * time.Hour)})
	if sched.Date != "2025-10-13" || sched.DayName != "Monday" {
		t.Fatalf("unexpected header %+v", sched)
	}
	if sched.TotalSlots != 11 || sched.AvailableCount != 10 {
		t.Fatalf("expected 11 total / 10 free, got %d / %d", sched.TotalSlots, sched.AvailableCount)
	}
	if sched.Slots[0].Available || sched.Slots[0].Display != "09:00" {
		t.Fatalf("expected 09:00 booked, got %+v", sched.Slots[0])
	}
	if !sched.Slots[1].Available {
		t.Fatalf("expected 09:45 free")
	}
}

func TestWeek(t *testing.T) {
	c := mustCalendar(t, DefaultConfig())
	start := time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC)
	booked := map[string][]time.Time{
		"2025-10-15": {time.Date(2025, 10, 15, 16, 30, 0, 0, time.UTC)},
	}

	week := c.Week(start, booked)
	if len(week.Days) != 7 {
		t.Fatalf("expected 7 days, got %d", len(week.Days))
	}
	if week.Days[6].Date != "2025-10-19" || week.Days[6].DayName != "Sunday" {
		t.Fatalf("unexpected last day %s %s", week.Days[6].Date, week.Days[6].DayName)
	}
	if week.Days[2].AvailableCount != 10 || week.Days[0].AvailableCount != 11 {
		t.Fatalf("unexpected counts %d / %d", week.Days[2].AvailableCount, week.Days[0].AvailableCount)
	}
	if week.WorkingHours != "09:00 - 17:00" || week.SlotDurationMinutes != 45 {
		t.Fatalf("unexpected header %+v", week)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	bad := []Config{
		{Open: "17:00", Close: "09:00", SlotMinutes: 45},
		{Open: "09:00", Close: "17:00", SlotMinutes: 0},
		{Open: "9am", Close: "17:00", SlotMinutes: 45},
		{Open: "09:00", Close: "17:00", SlotMinutes: 45, Timezone: "Mars/Olympus"},
	}
	for _, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestParseDate(t *testing.T) {
	c := mustCalendar(t, DefaultConfig())
	if _, err := c.ParseDate("13/10/2025"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	d, err := c.ParseDate("2025-10-13")
	if err != nil || d.Day() != 13 {
		t.Fatalf("unexpected parse result %v %v", d, err)
	}
}

func TestDayBoundsUsesLocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Tallinn"
	c := mustCalendar(t, cfg)

	start, end := c.DayBounds(time.Date(2025, 10, 13, 22, 30, 0, 0, time.UTC))
	if start.Day() != 14 || end.Sub(start) != 24*time.Hour {
		t.Fatalf("unexpected bounds %s .. %s", start, end)
	}
}
