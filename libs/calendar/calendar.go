// Package calendar generates the fixed daily slot grid and answers whether a
// slot is free given the booked start times of a day. It holds no state beyond
// its configuration.
package calendar

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
)

const DateLayout = "2006-01-02"

// Config is loaded from CALENDAR_* variables and handed to New.
type Config struct {
	Open        string `envconfig:"CALENDAR_OPEN" default:"09:00"`
	Close       string `envconfig:"CALENDAR_CLOSE" default:"17:00"`
	SlotMinutes int    `envconfig:"CALENDAR_SLOT_MINUTES" default:"45"`
	Timezone    string `envconfig:"CALENDAR_TIMEZONE" default:"UTC"`
}

func DefaultConfig() Config {
	return Config{Open: "09:00", Close: "17:00", SlotMinutes: 45, Timezone: "UTC"}
}

type Calendar struct {
	open       time.Duration
	close      time.Duration
	slot       time.Duration
	loc        *time.Location
	openLabel  string
	closeLabel string
}

func New(cfg Config) (*Calendar, error) {
	open, err := clockOffset(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("calendar open: %w", err)
	}
	closeAt, err := clockOffset(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("calendar close: %w", err)
	}
	if open >= closeAt {
		return nil, fmt.Errorf("calendar open %s must be before close %s", cfg.Open, cfg.Close)
	}
	if cfg.SlotMinutes <= 0 {
		return nil, fmt.Errorf("calendar slot minutes must be positive (got %d)", cfg.SlotMinutes)
	}
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("calendar timezone: %w", err)
	}
	return &Calendar{
		open:       open,
		close:      closeAt,
		slot:       time.Duration(cfg.SlotMinutes) * time.Minute,
		loc:        loc,
		openLabel:  strings.TrimSpace(cfg.Open),
		closeLabel: strings.TrimSpace(cfg.Close),
	}, nil
}

func clockOffset(raw string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", raw)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c *Calendar) SlotDuration() time.Duration { return c.slot }

func (c *Calendar) Location() *time.Location { return c.loc }

// WorkingHours renders the configured day, e.g. "09:00 - 17:00".
func (c *Calendar) WorkingHours() string {
	return c.openLabel + " - " + c.closeLabel
}

// ParseDate reads a YYYY-MM-DD date in the calendar's location.
func (c *Calendar) ParseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), c.loc)
	if err != nil {
		return time.Time{}, apperr.Validation("invalid date format: %s. Expected: YYYY-MM-DD", raw)
	}
	return d, nil
}

// DayBounds returns [midnight, next midnight) of date's calendar day.
func (c *Calendar) DayBounds(date time.Time) (time.Time, time.Time) {
	d := date.In(c.loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
	return start, start.AddDate(0, 0, 1)
}

// SlotsForDay returns every slot start from opening time, stepping by the slot
// duration, strictly before closing time.
func (c *Calendar) SlotsForDay(date time.Time) []time.Time {
	start, _ := c.DayBounds(date)
	end := start.Add(c.close)
	var slots []time.Time
	for t := start.Add(c.open); t.Before(end); t = t.Add(c.slot) {
		slots = append(slots, t)
	}
	return slots
}

// IsAvailable is false iff some booked start lies strictly closer to slot than
// one slot duration.
func (c *Calendar) IsAvailable(slot time.Time, booked []time.Time) bool {
	for _, b := range booked {
		diff := slot.Sub(b)
		if diff < 0 {
			diff = -diff
		}
		if diff < c.slot {
			return false
		}
	}
	return true
}

type Slot struct {
	Time      time.Time `json:"time"`
	Display   string    `json:"display"`
	Available bool      `json:"available"`
}

type DaySchedule struct {
	Date                string `json:"date"`
	DayName             string `json:"day_name,omitempty"`
	Slots               []Slot `json:"slots"`
	TotalSlots          int    `json:"total_slots"`
	AvailableCount      int    `json:"available_count"`
	SlotDurationMinutes int    `json:"slot_duration_minutes"`
}

type WeekSchedule struct {
	WeekStart           string        `json:"week_start"`
	Days                []DaySchedule `json:"days"`
	SlotDurationMinutes int           `json:"slot_duration_minutes"`
	WorkingHours        string        `json:"working_hours"`
}

func (c *Calendar) Day(date time.Time, booked []time.Time) DaySchedule {
	start, _ := c.DayBounds(date)
	grid := c.SlotsForDay(start)
	out := DaySchedule{
		Date:                start.Format(DateLayout),
		DayName:             start.Weekday().String(),
		Slots:               make([]Slot, 0, len(grid)),
		TotalSlots:          len(grid),
		SlotDurationMinutes: int(c.slot / time.Minute),
	}
	for _, t := range grid {
		free := c.IsAvailable(t, booked)
		if free {
			out.AvailableCount++
		}
		out.Slots = append(out.Slots, Slot{Time: t, Display: t.Format("15:04"), Available: free})
	}
	return out
}

// Week builds seven consecutive days from start. bookedByDay is keyed by YYYY-MM-DD.
func (c *Calendar) Week(start time.Time, bookedByDay map[string][]time.Time) WeekSchedule {
	first, _ := c.DayBounds(start)
	days := make([]DaySchedule, 0, 7)
	for i := 0; i < 7; i++ {
		d := first.AddDate(0, 0, i)
		days = append(days, c.Day(d, bookedByDay[d.Format(DateLayout)]))
	}
	return WeekSchedule{
		WeekStart:           first.Format(DateLayout),
		Days:                days,
		SlotDurationMinutes: int(c.slot / time.Minute),
		WorkingHours:        c.WorkingHours(),
	}
}
