package telegraph

import (
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser reads standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// untilNext returns the wait from now until the schedule next fires. A
// schedule that never fires again yields a wait of a year, which the
// scheduler simply re-evaluates.
func untilNext(plan cron.Schedule, now time.Time) time.Duration {
	next := plan.Next(now)
	if next.IsZero() {
		return 365 * 24 * time.Hour
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}
