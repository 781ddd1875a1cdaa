// Package reminder owns the lifecycle of the recurring pre-class reminder.
//
// State machine: Idle -> Armed -> Idle. Armed is either a single nominal
// daily job, or (when started mid-window) a catch-up job for the rest of
// today plus a nominal job from tomorrow on. Stop cancels whatever is armed.
package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calenbot/internal/timewindow"
	logx "calenbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Runner is the recurring-timer primitive. *cron.Cron and the process
// scheduler service both satisfy it.
type Runner interface {
	Schedule(cron.Schedule, cron.Job) cron.EntryID
	Remove(cron.EntryID)
}

// FireFunc runs on every fire. target is the instant whose slot the reminder
// is about (fire time plus the reminder lead).
type FireFunc func(ctx context.Context, target time.Time)

type Kind string

const (
	KindNominal Kind = "nominal"
	KindCatchUp Kind = "catch-up"
)

// Job describes one armed recurring job.
type Job struct {
	ID        cron.EntryID
	Kind      Kind
	FirstFire time.Time
	Interval  time.Duration
	// WindowEnd bounds a catch-up job; zero for nominal jobs.
	WindowEnd time.Time
	// Rollover is the nominal job a catch-up job hands over to.
	Rollover *Job
}

type Config struct {
	Window timewindow.Window
	// Lead is how long before a slot starts the reminder fires.
	Lead time.Duration
}

func (c Config) Validate() error {
	if err := c.Window.Validate(); err != nil {
		return err
	}
	if c.Lead < 0 || c.Lead > c.Window.Start {
		return fmt.Errorf("reminder lead must be in [0, schedule start]")
	}
	return nil
}

type Scheduler struct {
	mu sync.Mutex

	runner Runner
	cfg    Config
	g      grid
	fire   FireFunc
	log    logx.Logger
	now    func() time.Time
	ctx    context.Context

	job *Job
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithContext sets the context handed to FireFunc. It should live as long
// as the process, not a single request.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

func New(runner Runner, cfg Config, fire FireFunc, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		runner: runner,
		cfg:    cfg,
		g:      grid{w: cfg.Window, lead: cfg.Lead},
		fire:   fire,
		log:    log.With(logx.String("comp", "reminder")),
		now:    time.Now,
		ctx:    context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Armed reports whether jobs are currently scheduled.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil
}

// Jobs returns a copy of the armed job tree, or nil when idle.
func (s *Scheduler) Jobs() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return nil
	}
	cp := *s.job
	if cp.Rollover != nil {
		r := *cp.Rollover
		cp.Rollover = &r
	}
	return &cp
}

// Start arms the reminder. It reports false (and changes nothing) when
// already armed.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != nil {
		s.log.Info("scheduler already armed")
		return false
	}

	now := s.cfg.Window.Local(s.now())
	nominalToday := s.g.nominalFirst(now)
	endToday := s.cfg.Window.At(now, s.cfg.Window.End)
	schoolDay := timewindow.WeekdayOf(now).IsSchoolDay()

	switch {
	case !schoolDay || now.Before(nominalToday):
		// today's window has not started yet (or there is none today)
		s.job = s.armNominal(nominalToday)
		s.log.Info("scheduler armed", logx.String("kind", string(KindNominal)), logx.Time("first", s.job.FirstFire))
	case now.Add(time.Minute).After(endToday):
		s.job = s.armNominal(s.g.nominalFirst(now.AddDate(0, 0, 1)))
		s.log.Info("scheduler armed after today's window", logx.Time("first", s.job.FirstFire))
	default:
		first := now.Add(time.Minute)
		cu := newCatchUp(s.g, first, endToday)
		id := s.runner.Schedule(cu, s.fireJob())
		job := &Job{
			ID:        id,
			Kind:      KindCatchUp,
			FirstFire: first,
			Interval:  s.cfg.Window.Interval,
			WindowEnd: endToday,
		}
		job.Rollover = s.armNominal(s.g.nominalFirst(now.AddDate(0, 0, 1)))
		s.job = job
		s.log.Info("scheduler armed late; catching up",
			logx.Time("first", first),
			logx.Time("window_end", endToday),
			logx.Time("rollover_first", job.Rollover.FirstFire),
		)
	}
	return true
}

func (s *Scheduler) armNominal(from time.Time) *Job {
	sched := dailySchedule{g: s.g, from: from}
	id := s.runner.Schedule(sched, s.fireJob())
	return &Job{
		ID:        id,
		Kind:      KindNominal,
		FirstFire: sched.Next(from.Add(-time.Nanosecond)),
		Interval:  s.cfg.Window.Interval,
	}
}

func (s *Scheduler) fireJob() cron.Job {
	return cron.FuncJob(func() {
		target := s.now().Add(s.cfg.Lead)
		s.fire(s.ctx, target)
	})
}

// Stop cancels every armed job. It reports false when nothing was armed.
// Removal failures are logged; the state is cleared regardless.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		s.log.Info("scheduler is not running")
		return false
	}
	for j := s.job; j != nil; j = j.Rollover {
		s.remove(j)
	}
	s.job = nil
	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) remove(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("failed to remove job", logx.Int("id", int(j.ID)), logx.Any("panic", r))
		}
	}()
	s.runner.Remove(j.ID)
}
