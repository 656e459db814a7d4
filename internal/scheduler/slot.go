package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Slot is a recurring wall-clock time backed by a cron schedule.
// The zero Slot is disabled.
type Slot struct {
	label    string
	schedule cron.Schedule
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseSlot accepts "HH:MM" for a daily slot, "Mon 10:00" for a weekly one,
// a five-field cron expression, and "" or "off" for a disabled slot.
func ParseSlot(s string) (Slot, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "off") {
		return Slot{}, nil
	}

	fields := strings.Fields(s)
	var expr, label string
	switch len(fields) {
	case 5:
		expr = strings.Join(fields, " ")
		label = expr
	case 1, 2:
		hour, minute, err := parseClock(fields[len(fields)-1])
		if err != nil {
			return Slot{}, err
		}
		label = fmt.Sprintf("%02d:%02d", hour, minute)
		expr = fmt.Sprintf("%d %d * * *", minute, hour)
		if len(fields) == 2 {
			day, ok := weekdays[strings.ToLower(fields[0])]
			if !ok {
				return Slot{}, fmt.Errorf("unknown weekday %q", fields[0])
			}
			label = day.String()[:3] + " " + label
			expr = fmt.Sprintf("%d %d * * %d", minute, hour, int(day))
		}
	default:
		return Slot{}, fmt.Errorf("invalid slot %q", s)
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return Slot{}, fmt.Errorf("invalid slot %q: %w", s, err)
	}
	return Slot{label: label, schedule: schedule}, nil
}

func parseClock(clock string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(clock, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q", clock)
	}
	if hour, err = strconv.Atoi(hh); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", clock)
	}
	if minute, err = strconv.Atoi(mm); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", clock)
	}
	return hour, minute, nil
}

// MustParseSlot is ParseSlot for constants.
func MustParseSlot(s string) Slot {
	slot, err := ParseSlot(s)
	if err != nil {
		panic(err)
	}
	return slot
}

func (s Slot) Enabled() bool {
	return s.schedule != nil
}

// due reports whether an activation falls in (now-window, now], that is,
// whether now is within window after the last activation.
func (s Slot) due(now time.Time, window time.Duration) bool {
	if s.schedule == nil {
		return false
	}
	next := s.schedule.Next(now.Add(-window))
	return !next.IsZero() && !next.After(now)
}

func (s Slot) String() string {
	if s.schedule == nil {
		return "off"
	}
	return s.label
}
