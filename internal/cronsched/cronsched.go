// Package cronsched adapts github.com/robfig/cron/v3's expression parser to the single
// operation the rest of spiderd needs from a cron library: given an expression and a
// reference time, what is the next fire time?
//
// Grounded on TSDAP/utils/crontab.py's get_next_run/cron_to_timer, which hand-rolled this
// same search (parse six fields, scan forward for the next matching instant). robfig/cron/v3
// already ships that search tuned and tested, so it replaces the hand-rolled scan rather than
// porting it — see DESIGN.md.
package cronsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextFireTime parses expr and returns the first instant strictly after now that it
// matches. An empty expr means "no schedule" and returns ok=false with no error: a
// container with no cron entry never reschedules.
func NextFireTime(expr string, now time.Time) (t time.Time, ok bool, err error) {
	if expr == "" {
		return time.Time{}, false, nil
	}

	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cronsched: parse %q: %w", expr, err)
	}

	return schedule.Next(now), true, nil
}

// Valid reports whether expr is a parseable cron expression.
func Valid(expr string) bool {
	_, _, err := NextFireTime(expr, time.Now())
	return err == nil
}
