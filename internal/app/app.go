package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calenbot/internal/bot"
	"calenbot/internal/config"
	"calenbot/internal/groups"
	"calenbot/internal/metrics"
	"calenbot/internal/observability/debughttp"
	"calenbot/internal/ratelimit"
	"calenbot/internal/reminder"
	rtsup "calenbot/internal/runtime/supervisor"
	"calenbot/internal/storage"
	"calenbot/internal/task/scheduler"
	"calenbot/internal/timetable"
	kit "calenbot/internal/transport"
	telegram "calenbot/internal/transport/telegram/adapter"
	"calenbot/internal/transport/telegram/router"
	"calenbot/internal/writequeue"
	logx "calenbot/pkg/logx"
	"calenbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	rt   *config.Runtime

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service

	metrics *metrics.Metrics
	store   storage.Store
	queue   *writequeue.Queue
	groups  *groups.Registry
	session *bot.Session
	limiter *ratelimit.Limiter
	tt      *timetable.Holder

	sched     *scheduler.Service
	reminders *reminder.Scheduler
	adapter   *telegram.Adapter
	router    *router.Manager
	bot       *bot.Service
	debug     *debughttp.Server
	sd        *systemd.Notifier

	updates chan kit.Update
}

// New loads and validates the configuration and builds every component
// that does not need a running context.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	// Reject a bad hot reload before it is published.
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return config.Validate(c) })

	m := metrics.New()

	store, err := storage.Open(rt.Storage, logSvc.Logger())
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", rt.Storage.Driver))

	queue := writequeue.New(store, logSvc.Logger())
	queue.OnApplied = func(a writequeue.Applied) { m.Drain(a.Request.Collection, a.Took, nil) }
	queue.OnFailed = func(r writequeue.Request, err error) { m.Drain(r.Collection, 0, err) }

	limiter, err := ratelimit.New(rt.RateLimit)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tt := timetable.NewHolder(rt.Labels, timetableSource(cfg.Timetable, rt.Labels), logSvc.Logger())

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: rt.PollTimeout,
	}, logSvc.Logger())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		rt:      rt,
		log:     log,
		logs:    logSvc,
		metrics: m,
		store:   store,
		queue:   queue,
		groups:  groups.New(queue, logSvc.Logger()),
		session: bot.NewSession(queue, logSvc.Logger()),
		limiter: limiter,
		tt:      tt,
		sched:   scheduler.New(scheduler.Config{Location: rt.Window.Location}, logSvc.Logger()),
		adapter: ad,
		router:  router.NewManager(logSvc.Logger()),
		sd:      systemd.New(logSvc.Logger()),
		updates: make(chan kit.Update, 256),
	}
	tt.OnRefresh = func(n int) { m.Refresh(n, nil) }

	m.RegisterGaugeFunc("writequeue_pending", "Write requests waiting to be drained.", func() float64 { return float64(queue.Len()) })
	m.RegisterGaugeFunc("groups_enabled", "Chats allowed to use the bot.", func() float64 { return float64(a.groups.Len()) })
	m.RegisterGaugeFunc("ratelimit_scopes", "Rate limiter scopes currently tracked.", func() float64 { return float64(limiter.Scopes()) })
	m.RegisterGaugeFunc("reminders_armed", "1 while reminder jobs are scheduled.", func() float64 {
		if a.reminders != nil && a.reminders.Armed() {
			return 1
		}
		return 0
	})
	return a, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func timetableSource(c config.TimetableConfig, labels []string) timetable.Source {
	switch strings.ToLower(strings.TrimSpace(c.Source)) {
	case "yaml":
		return timetable.YAMLSource{Path: c.Path, Labels: labels, WeekdayNames: c.WeekdayNames}
	default:
		return timetable.SQLiteSource{Path: c.Path, Labels: labels, WeekdayNames: c.WeekdayNames}
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.groups.Load(run, a.store); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	if err := a.session.Load(run, a.store); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := a.tt.Refresh(run); err != nil {
		// The bot still answers with an empty timetable; the refresh job retries.
		a.metrics.Refresh(0, err)
	}

	var svc *bot.Service
	a.reminders = reminder.New(a.sched, reminder.Config{Window: a.rt.Window, Lead: a.rt.ReminderLead},
		func(c context.Context, target time.Time) { svc.Fire(c, target) },
		a.logs.Logger(), reminder.WithContext(run))
	svc = bot.New(bot.Deps{
		Transport:  a.adapter,
		Timetable:  a.tt,
		Window:     a.rt.Window,
		Lead:       a.rt.ReminderLead,
		Limiter:    a.limiter,
		Groups:     a.groups,
		Session:    a.session,
		Templates:  a.rt.Templates,
		Reminders:  a.reminders,
		Auditor:    a.store,
		Menus:      a.router,
		Metrics:    a.metrics,
		OperatorID: a.cfg.Telegram.OperatorID,
	}, a.logs.Logger())
	a.bot = svc
	a.router.SetCommands(svc.Commands(), svc.Unknown())
	a.metrics.RegisterGaugeFunc("autodelete_pending", "Messages waiting for autodelete.", func() float64 { return float64(svc.Pending()) })

	if err := a.registerJobs(); err != nil {
		return err
	}
	a.sched.Start(run)

	a.sup.Go("writequeue.drain", func(c context.Context) error {
		return a.queue.Run(c, a.rt.DrainEvery)
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.router.SetUsername(a.adapter.Username())
	a.logs.SetSender(a.adapter)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.startDebug(run)
	a.startReload()

	svc.Restore()

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("serving %d groups", a.groups.Len()))
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.log.Info("app started",
		logx.String("bot", a.adapter.Username()),
		logx.Int("groups", a.groups.Len()),
		logx.Int("timetable_entries", a.tt.Current().Len()),
		logx.String("rate_policy", string(a.limiter.Policy())),
	)
	return nil
}

func (a *App) startDebug(ctx context.Context) {
	dc := a.cfg.Debug
	if !dc.Enabled {
		return
	}
	cfg := debughttp.Config{
		Addr:  dc.ListenAddr(),
		Token: dc.Token,
		Pprof: dc.Pprof,
	}
	if dc.Metrics {
		cfg.Metrics = a.metrics.Handler()
	}
	a.debug = debughttp.New(cfg, a.logs.Logger())
	a.debug.AddState("app", func() any { return a.sup.Snapshot() })
	a.debug.AddState("telegram", func() any { return a.adapter.Supervisor().Snapshot() })
	a.debug.AddState("router", func() any { return a.router.Snapshot() })
	a.debug.AddState("schedules", func() any { return a.sched.Snapshot() })
	a.debug.AddState("reminders", func() any { return a.reminders.Jobs() })
	a.debug.AddState("settings", func() any { return a.session.Snapshot() })
	a.debug.AddState("writequeue", func() any { return map[string]int{"pending": a.queue.Len()} })
	a.debug.Start(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Reminders first so nothing fires into a closing transport.
	if a.reminders != nil {
		a.reminders.Stop()
	}
	a.sup.Cancel()

	step := a.stepper(ctx)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debughttp", 1*time.Second, func(c context.Context) error {
		if a.debug != nil {
			a.debug.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Waits for the final write queue drain, so it must precede storage.
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	if n := a.queue.Len(); n > 0 {
		a.log.Warn("writes lost on shutdown", logx.Int("pending", n))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stepper runs shutdown steps with an upper bound so one component can't
// stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}
}
