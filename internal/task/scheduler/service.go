package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "calenbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

const failureWarnThrottle = 5 * time.Minute

type Config struct {
	// Location is the deployment's fixed UTC offset. nil means UTC.
	Location *time.Location
}

// JobFunc is a housekeeping job. ctx is cancelled on Stop or after the
// job's timeout.
type JobFunc func(ctx context.Context) error

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Failures uint64
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     JobFunc
	entryID cron.EntryID
	spread  time.Duration

	runs  atomic.Uint64
	fails atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	loc     *time.Location
	c       *cron.Cron
	cronLog cron.Logger
	defs    map[string]*scheduleDef
	started bool

	ctx    context.Context
	cancel context.CancelFunc

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	log = log.With(logx.String("comp", "scheduler"))
	cl := logx.CronLogger(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:     log,
		loc:     loc,
		cronLog: cl,
		// Every entry, including the reminder's custom schedules, is wrapped in Recover.
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl)),
		),
		defs:     map[string]*scheduleDef{},
		ctx:      ctx,
		cancel:   cancel,
		lastWarn: map[string]time.Time{},
	}
}

func (s *Service) Location() *time.Location { return s.loc }

// Start starts triggering. Entries added before Start are kept.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, waits for running jobs (bounded by ctx) and
// cancels the context handed to housekeeping jobs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.cancel()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Schedule registers a raw cron entry. Used by the reminder scheduler for
// its catch-up and rollover schedules.
func (s *Service) Schedule(sched cron.Schedule, job cron.Job) cron.EntryID {
	return s.c.Schedule(sched, job)
}

// Remove unregisters a raw entry. Removing an unknown id is a no-op.
func (s *Service) Remove(id cron.EntryID) { s.c.Remove(id) }

// Entry exposes next/prev times of a raw entry.
func (s *Service) Entry(id cron.EntryID) cron.Entry { return s.c.Entry(id) }

// AddSchedule registers (or replaces, by name) a housekeeping job.
//
// Supported schedule formats are those of ParseSchedule. Overlapping runs
// of the same job are skipped.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(name)

	d := &scheduleDef{name: name, timeout: timeout, job: job}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(s.cronLog)).Then(cron.FuncJob(func() { s.run(d) }))

	switch ps.Kind {
	case SpecInterval:
		sched, jitter := intervalWithSpread(ps.Every, time.Now().In(s.loc), name)
		d.spec = fmt.Sprintf("@every %s", ps.Every)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, wrapped)
	case SpecCron:
		d.spec = ps.Cron
		id, err := s.c.AddJob(ps.Cron, wrapped)
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", ps.Cron), logx.Err(err))
			return err
		}
		d.entryID = id
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
	s.defs[name] = d
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", d.spec),
		logx.Duration("timeout", timeout),
		logx.Duration("spread", d.spread),
	)
	return nil
}

// Unschedule removes a named job. It reports whether something was removed.
func (s *Service) Unschedule(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.unscheduleLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) unscheduleLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	s.c.Remove(d.entryID)
	delete(s.defs, name)
	return true
}

func (s *Service) run(d *scheduleDef) {
	ctx := s.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	d.runs.Add(1)
	err := d.job(ctx)
	if err != nil {
		d.fails.Add(1)
		s.reportFailure(d.name, err)
		return
	}
	s.log.Trace("job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
}

// reportFailure logs job errors at most once per throttle window per job.
func (s *Service) reportFailure(name string, err error) {
	if errors.Is(err, context.Canceled) {
		s.log.Debug("job cancelled", logx.String("name", name))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < failureWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("job failed", logx.String("name", name), logx.Err(err))
}

// Snapshot lists named jobs ordered by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defs := make([]*scheduleDef, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		e := s.c.Entry(d.entryID)
		out = append(out, ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Next:     e.Next,
			Prev:     e.Prev,
			Runs:     d.runs.Load(),
			Failures: d.fails.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
