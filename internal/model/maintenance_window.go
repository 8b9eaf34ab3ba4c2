package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaintenanceWindow is a recurring time range in a named timezone. Windows
// gate deployments flagged maintenance_window_only; nothing else consults
// them. Target optionally narrows the window to part of the fleet; when
// empty the window covers every node.
type MaintenanceWindow struct {
	ID         string          `json:"id" db:"id"`
	Name       string          `json:"name" db:"name"`
	StartTime  string          `json:"start_time" db:"start_time"` // "HH:MM"
	EndTime    string          `json:"end_time" db:"end_time"`     // "HH:MM"
	DaysOfWeek []int           `json:"days_of_week" db:"days_of_week"` // 0=Sunday
	Timezone   string          `json:"timezone" db:"timezone"`
	Target     json.RawMessage `json:"target,omitempty" db:"target"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Validate checks the window's time fields and timezone.
func (w *MaintenanceWindow) Validate() error {
	if _, err := parseClock(w.StartTime); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if _, err := parseClock(w.EndTime); err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	if len(w.DaysOfWeek) == 0 {
		return fmt.Errorf("days_of_week must not be empty")
	}
	for _, d := range w.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("day_of_week %d out of range", d)
		}
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

// Contains reports whether the instant falls inside the window, evaluated
// in the window's timezone. Windows whose end time precedes their start
// time wrap past midnight; the day-of-week check applies to the day the
// window opened.
func (w *MaintenanceWindow) Contains(now time.Time) (bool, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", w.Timezone, err)
	}
	start, err := parseClock(w.StartTime)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.EndTime)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start <= end {
		return w.onDay(local.Weekday()) && minute >= start && minute < end, nil
	}

	// Overnight window: the portion after midnight belongs to the previous
	// day's opening.
	if minute >= start {
		return w.onDay(local.Weekday()), nil
	}
	if minute < end {
		return w.onDay(local.AddDate(0, 0, -1).Weekday()), nil
	}
	return false, nil
}

func (w *MaintenanceWindow) onDay(day time.Weekday) bool {
	for _, d := range w.DaysOfWeek {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}
