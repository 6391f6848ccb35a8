package core

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.Wrap(ErrInvalidCron, "expression is empty")
	}
	if strings.HasPrefix(trimmed, "@") {
		return nil, errors.WithHint(
			errors.Wrapf(ErrInvalidCron, "%q", trimmed),
			"only 5-field cron expressions are supported",
		)
	}
	schedule, err := cronParser.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCron, "%q: %v", trimmed, err)
	}
	return schedule, nil
}

// NextOccurrences returns up to n execution times after base. The list is short
// when the schedule stops matching.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// nextMatch wraps Schedule.Next, which returns the zero time when nothing matches
// within robfig's search horizon (for example "0 0 30 2 *").
func nextMatch(expr string, schedule cron.Schedule, after time.Time) (time.Time, error) {
	next := schedule.Next(after)
	if next.IsZero() {
		return time.Time{}, errors.WithHint(
			errors.Wrapf(ErrInvalidCron, "%q never fires", strings.TrimSpace(expr)),
			"check the day-of-month and month fields",
		)
	}
	return next.UTC(), nil
}

// NextDue computes when a task is next due. A task that never ran is anchored one
// minute before its creation so its first matching minute counts.
func NextDue(expr string, lastStart *time.Time, createdAt time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	base := createdAt.Add(-time.Minute)
	if lastStart != nil {
		base = *lastStart
	}
	return nextMatch(expr, schedule, base.In(loc))
}

// NextAfter returns the first occurrence strictly after t.
func NextAfter(expr string, t time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return nextMatch(expr, schedule, t.In(loc))
}
