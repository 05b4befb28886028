package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/calendar"
	"github.com/md-rashed-zaman/inspectbook/libs/config"
	"github.com/spf13/cobra"
)

// loadCalendar reads the same CALENDAR_* variables as the appointment service.
func loadCalendar() (*calendar.Calendar, error) {
	var cfg calendar.Config
	if err := config.Load("", &cfg); err != nil {
		return nil, err
	}
	return calendar.New(cfg)
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the slot grid of one day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cal, err := loadCalendar()
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetString("date")
			date, err := dateOrToday(cal, raw)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return printDay(cmd.OutOrStdout(), cal.Day(date, nil), asJSON)
		},
	}
	cmd.Flags().String("date", "", "day as YYYY-MM-DD (default today)")
	cmd.Flags().BoolP("json", "j", false, "output as JSON")
	return cmd
}

func weekCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "week",
		Short: "Print seven days of slots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cal, err := loadCalendar()
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetString("start")
			start, err := dateOrToday(cal, raw)
			if err != nil {
				return err
			}
			week := cal.Week(start, nil)
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), week)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "week of %s, %s, %d-minute slots\n", week.WeekStart, week.WorkingHours, week.SlotDurationMinutes)
			for _, day := range week.Days {
				if err := printDay(cmd.OutOrStdout(), day, false); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().String("start", "", "first day as YYYY-MM-DD (default today)")
	cmd.Flags().BoolP("json", "j", false, "output as JSON")
	return cmd
}

func dateOrToday(cal *calendar.Calendar, raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().In(cal.Location()), nil
	}
	return cal.ParseDate(raw)
}

func printDay(w io.Writer, day calendar.DaySchedule, asJSON bool) error {
	if asJSON {
		return writeJSON(w, day)
	}
	fmt.Fprintf(w, "%s %s: %d slots\n", day.Date, day.DayName, day.TotalSlots)
	for _, s := range day.Slots {
		fmt.Fprintf(w, "  %s\n", s.Display)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
