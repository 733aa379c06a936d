package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a standard five-field expression or a descriptor
// such as @daily. "L" as the whole day-of-month field means the last day
// of the month.
func ParseSchedule(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)

	if len(fields) == 5 && strings.EqualFold(fields[2], "L") {
		fields[2] = "*"

		inner, err := cronParser.Parse(strings.Join(fields, " "))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, expr, err)
		}

		return lastDayOfMonth{inner: inner}, nil
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, expr, err)
	}

	return schedule, nil
}

// NextRun returns the first activation of expr strictly after from,
// evaluated in loc.
func NextRun(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}

	if loc == nil {
		loc = time.UTC
	}

	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, expr)
	}

	return next, nil
}

type lastDayOfMonth struct {
	inner cron.Schedule
}

const maxLastDayProbes = 1 << 20

func (s lastDayOfMonth) Next(t time.Time) time.Time {
	next := t

	for range maxLastDayProbes {
		next = s.inner.Next(next)
		if next.IsZero() {
			return next
		}

		if next.AddDate(0, 0, 1).Month() != next.Month() {
			return next
		}
	}

	return time.Time{}
}
