// Package schedule translates a crawler's recurrence configuration into a
// typed trigger descriptor, validated at construction. The descriptor renders
// a standard five-field cron expression and computes next-fire instants in the
// crawler's timezone.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// Frequency is the recurrence cadence of a trigger.
type Frequency string

// Supported frequencies.
const (
	Hourly  Frequency = "hourly"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Spec is a validated trigger descriptor. Build one with FromConfig; a zero
// Spec is not valid.
type Spec struct {
	Frequency Frequency
	Minute    int
	Hour      int
	// Day is the day-of-week (1=Monday..7=Sunday) for weekly triggers and the
	// day-of-month (1..31) for monthly triggers. Unused otherwise.
	Day      int
	Timezone string

	loc *time.Location
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// FromConfig validates a recurrence configuration and builds its descriptor.
// ExecutionTime is required for daily/weekly/monthly and ignored for hourly
// beyond its minute component.
func FromConfig(cfg crawljob.ScheduleConfig) (Spec, error) {
	freq := Frequency(cfg.Frequency)
	switch freq {
	case Hourly, Daily, Weekly, Monthly:
	default:
		return Spec{}, crawljob.Errorf(crawljob.KindConfiguration, "unknown frequency %q", cfg.Frequency)
	}

	hour, minute := 0, 0
	if cfg.ExecutionTime != "" {
		h, m, err := parseClock(cfg.ExecutionTime)
		if err != nil {
			return Spec{}, crawljob.WrapError(crawljob.KindConfiguration, err)
		}
		hour, minute = h, m
	} else if freq != Hourly {
		return Spec{}, crawljob.Errorf(crawljob.KindConfiguration, "execution_time is required for %s schedules", freq)
	}

	day := cfg.ExecutionDay
	switch freq {
	case Weekly:
		if day == 0 {
			day = 1 // Monday
		}
		if day < 1 || day > 7 {
			return Spec{}, crawljob.Errorf(crawljob.KindConfiguration, "execution_day %d out of range 1..7", day)
		}
	case Monthly:
		if day == 0 {
			day = 1
		}
		if day < 1 || day > 31 {
			return Spec{}, crawljob.Errorf(crawljob.KindConfiguration, "execution_day %d out of range 1..31", day)
		}
	default:
		day = 0
	}

	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Spec{}, crawljob.Errorf(crawljob.KindConfiguration, "load timezone %q: %v", tz, err)
	}

	return Spec{
		Frequency: freq,
		Minute:    minute,
		Hour:      hour,
		Day:       day,
		Timezone:  tz,
		loc:       loc,
	}, nil
}

// Expr renders the descriptor as a five-field cron expression.
func (s Spec) Expr() string {
	switch s.Frequency {
	case Hourly:
		return fmt.Sprintf("%d * * * *", s.Minute)
	case Daily:
		return fmt.Sprintf("%d %d * * *", s.Minute, s.Hour)
	case Weekly:
		// Cron uses 0=Sunday; the config uses 1=Monday..7=Sunday.
		return fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, s.Day%7)
	case Monthly:
		return fmt.Sprintf("%d %d %d * *", s.Minute, s.Hour, s.Day)
	default:
		return ""
	}
}

// Next returns the first fire instant strictly after the given time, evaluated
// in the trigger's timezone.
func (s Spec) Next(after time.Time) (time.Time, error) {
	return NextFromExpr(s.Expr(), s.Timezone, after)
}

// NextFromExpr computes the next fire time of a cron expression in a timezone.
// Used by the queue to advance persisted triggers without re-deriving a Spec.
func NextFromExpr(expr, timezone string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, crawljob.Errorf(crawljob.KindConfiguration, "load timezone %q: %v", timezone, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, crawljob.Errorf(crawljob.KindConfiguration, "parse cron %q: %v", expr, err)
	}
	return sched.Next(after.In(loc)), nil
}

func parseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed execution time %q, want HH:mm", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("malformed hour in execution time %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("malformed minute in execution time %q", value)
	}
	return hour, minute, nil
}
