package app

import (
	"context"
	"time"

	"calenbot/internal/task/scheduler"
	logx "calenbot/pkg/logx"
)

// Housekeeping job names, as shown in /debug/state and job metrics.
const (
	jobTimetableRefresh = "timetable.refresh"
	jobRateLimitSweep   = "ratelimit.sweep"
	jobAutodelete       = "autodelete"
)

func (a *App) registerJobs() error {
	if every := a.rt.TimetableRefresh; every > 0 {
		if err := a.sched.AddSchedule(jobTimetableRefresh, every.String(), time.Minute, a.counted(jobTimetableRefresh, func(ctx context.Context) error {
			err := a.tt.Refresh(ctx)
			if err != nil {
				a.metrics.Refresh(a.tt.Current().Len(), err)
			}
			return err
		})); err != nil {
			return err
		}
	}

	sweep := max(a.rt.RateLimit.Window, time.Minute)
	if err := a.sched.AddSchedule(jobRateLimitSweep, sweep.String(), 10*time.Second, a.counted(jobRateLimitSweep, func(context.Context) error {
		if n := a.limiter.Sweep(); n > 0 {
			a.log.Debug("rate limiter swept", logx.Int("scopes", n))
		}
		return nil
	})); err != nil {
		return err
	}

	return a.sched.AddSchedule(jobAutodelete, a.rt.AutodeleteEvery.String(), time.Minute, a.counted(jobAutodelete, func(ctx context.Context) error {
		_, err := a.bot.Autodelete(ctx)
		return err
	}))
}

// counted records every run of job in the job metrics.
func (a *App) counted(name string, job scheduler.JobFunc) scheduler.JobFunc {
	return func(ctx context.Context) error {
		err := job(ctx)
		a.metrics.JobRun(name, err)
		return err
	}
}
