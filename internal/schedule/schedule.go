// Package schedule computes agent run times from five-field cron
// expressions with an IANA timezone. Occurrences are evaluated in the
// agent's timezone and returned in UTC, which is how next_run_at is stored.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/braidhq/braid/internal/fault"
)

var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Validate checks a cron expression and timezone pair. An empty timezone
// means UTC.
func Validate(expr, timezone string) error {
	if strings.TrimSpace(expr) == "" {
		return &fault.ValidationError{Field: "schedule", Msg: "cron expression is required"}
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return &fault.ValidationError{Field: "schedule", Msg: fmt.Sprintf("invalid cron expression %q: %v", expr, err)}
	}
	if _, err := loadLocation(timezone); err != nil {
		return &fault.ValidationError{Field: "timezone", Msg: fmt.Sprintf("unknown timezone %q", timezone)}
	}
	return nil
}

// NextRun returns the first occurrence of expr strictly after the given
// time, evaluated in the agent's timezone and converted to UTC.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, &fault.ValidationError{Field: "schedule", Msg: fmt.Sprintf("invalid cron expression %q: %v", expr, err)}
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, &fault.ValidationError{Field: "timezone", Msg: fmt.Sprintf("unknown timezone %q", timezone)}
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, &fault.ValidationError{Field: "schedule", Msg: fmt.Sprintf("no future occurrence for %q", expr)}
	}
	return next.UTC(), nil
}

func loadLocation(timezone string) (*time.Location, error) {
	if strings.TrimSpace(timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}
