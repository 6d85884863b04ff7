package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"etl-engine/internal/common/errors"
)

// parseCron parses a standard 5-field cron expression evaluated in the given
// timezone. An empty timezone means UTC.
func parseCron(expr, timezone string) (cron.Schedule, *time.Location, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, nil, errors.ValidationError("invalid cron expression: " + err.Error())
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, nil, errors.ValidationError("invalid timezone: " + err.Error())
	}
	return sched, loc, nil
}

// NextRun returns the first cron occurrence strictly after the given instant,
// in UTC. Handlers use it to seed next_run_at on create, enable and edit.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, loc, err := parseCron(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// catchUp resolves the misfire policy. Given the stored occurrence that came
// due and the current time, it returns the most recent occurrence at or
// before now (the one to fire) and the first occurrence after now (the new
// next_run_at). Occurrences missed in between are skipped, not replayed.
func catchUp(sched cron.Schedule, loc *time.Location, expected, now time.Time) (fireFor, newNext time.Time) {
	fireFor = expected.UTC()
	for {
		n := sched.Next(fireFor.In(loc)).UTC()
		if n.After(now) {
			return fireFor, n
		}
		fireFor = n
	}
}
