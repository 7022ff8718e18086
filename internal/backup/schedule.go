package backup

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard 5-field cron expressions.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// IsDue reports whether a snapshot should be taken now. A cluster that has
// never been snapshotted is due at its first scheduled slot after creation,
// not immediately; created carries the cluster's creation time for that case.
func IsDue(expr string, lastSnapshot, created, now time.Time) (bool, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return false, err
	}

	anchor := lastSnapshot
	if anchor.IsZero() {
		anchor = created
	}

	next := schedule.Next(anchor)
	return !now.Before(next), nil
}

// NextRun returns the next scheduled snapshot time for status reporting. A
// slot missed while the operator was down is rescheduled from now instead of
// being reported in the past.
func NextRun(expr string, lastSnapshot, now time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}

	if lastSnapshot.IsZero() {
		return schedule.Next(now), nil
	}

	next := schedule.Next(lastSnapshot)
	if next.Before(now) {
		return schedule.Next(now), nil
	}
	return next, nil
}
