package jobs

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron parses a five-field cron expression or a descriptor such as
// "@hourly".
func ParseCron(expr string) (cronlib.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return s, nil
}

// Tick fires every active schedule that is due at now and returns how many
// firings were submitted. Each firing is an independent fire-and-forget
// job; its outcome does not affect the schedule or later firings.
//
// Run calls Tick on its own ticker. Callers that drive jobs with RunPending
// call Tick themselves.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) int {
	o.mu.Lock()
	var fire []firing
	var ids []string
	for _, e := range o.schedules {
		if now.Before(e.nextRun) {
			continue
		}
		s := e.spec.(Schedule)
		e.firings++
		e.nextRun = e.schedule.Next(now)
		fire = append(fire, firing{schedule: s.Name, task: s.Task, payload: e.payload.Clone()})
		ids = append(ids, e.id)
	}
	o.mu.Unlock()

	n := 0
	for i, f := range fire {
		if ctx.Err() != nil {
			break
		}
		if _, err := o.submit(f, nil, ids[i], 0); err != nil {
			o.logger.Warn("schedule firing refused",
				"job_id", ids[i],
				"task", f.task,
				"error", err)
			continue
		}
		n++
	}
	return n
}
