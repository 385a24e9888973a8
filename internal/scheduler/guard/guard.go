// Package guard holds the pure scheduling predicates for task definitions.
// Keeping them free of database and clock dependencies makes the due-ness
// rules testable in isolation.
package guard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ScheduleInterval = "interval"
	ScheduleDaily    = "daily"
)

var (
	ErrTaskDisabled    = errors.New("task_disabled")
	ErrNotDue          = errors.New("task_not_due")
	ErrUnknownSchedule = errors.New("unknown_schedule_type")
)

// Definition is the subset of a task definition the gate needs.
type Definition struct {
	Key             string
	ScheduleType    string
	IntervalSeconds int
	TimeOfDay       string
	MonthDays       string
	Enabled         bool
	DateLastRun     *time.Time
}

// EnsureDue reports whether the definition should run at now. A nil return
// means run; ErrTaskDisabled and ErrNotDue are expected outcomes, anything
// else is a malformed definition.
func EnsureDue(def Definition, now time.Time, loc *time.Location) error {
	if !def.Enabled {
		return ErrTaskDisabled
	}
	switch def.ScheduleType {
	case ScheduleInterval:
		return ensureIntervalDue(def, now)
	case ScheduleDaily:
		return ensureDailyDue(def, now, loc)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, def.ScheduleType)
	}
}

func ensureIntervalDue(def Definition, now time.Time) error {
	if def.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval task %q has no interval", ErrUnknownSchedule, def.Key)
	}
	if def.DateLastRun == nil {
		return nil
	}
	if now.Sub(*def.DateLastRun) >= time.Duration(def.IntervalSeconds)*time.Second {
		return nil
	}
	return ErrNotDue
}

func ensureDailyDue(def Definition, now time.Time, loc *time.Location) error {
	local := now.In(loc)
	hour, minute, err := parseTimeOfDay(def.TimeOfDay)
	if err != nil {
		return err
	}
	if def.MonthDays != "" && !monthDayListed(def.MonthDays, local.Day()) {
		return ErrNotDue
	}
	fireAt := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if local.Before(fireAt) {
		return ErrNotDue
	}
	if def.DateLastRun != nil {
		last := def.DateLastRun.In(loc)
		if last.Year() == local.Year() && last.YearDay() == local.YearDay() {
			return ErrNotDue
		}
	}
	return nil
}

func parseTimeOfDay(v string) (hour, minute int, err error) {
	if v == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: bad time_of_day %q", ErrUnknownSchedule, v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: bad time_of_day %q", ErrUnknownSchedule, v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: bad time_of_day %q", ErrUnknownSchedule, v)
	}
	return hour, minute, nil
}

func monthDayListed(csv string, day int) bool {
	for _, part := range strings.Split(csv, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if n == day {
			return true
		}
	}
	return false
}
