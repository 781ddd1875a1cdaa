package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"calenbot/internal/ratelimit"
	"calenbot/internal/reminder"
	"calenbot/internal/render"
	"calenbot/internal/storage"
	"calenbot/internal/timewindow"
)

var ErrInvalid = errors.New("invalid config")

const (
	EnvToken      = "CALENBOT_TOKEN"
	EnvOperatorID = "CALENBOT_OPERATOR_ID"
)

// Runtime is the parsed, validated form of Config.
type Runtime struct {
	Window       timewindow.Window
	Labels       []string
	ReminderLead time.Duration

	RateLimit ratelimit.Config

	Storage    storage.Config
	DrainEvery time.Duration

	TimetableRefresh time.Duration
	AutodeleteEvery  time.Duration
	PollTimeout      time.Duration

	Templates *render.Templates
}

// Resolve parses every section. All problems are reported together, each
// wrapped in ErrInvalid.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var (
		rt   Runtime
		errs []error
	)
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		fail(errors.New("telegram.token is required"))
	}
	var err error
	rt.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	fail(err)

	w, labels, lead, err := resolveSchedule(cfg.Schedule)
	fail(err)
	rt.Window, rt.Labels, rt.ReminderLead = w, labels, lead

	rt.RateLimit, err = resolveRateLimit(cfg.RateLimit)
	fail(err)

	rt.Storage, rt.DrainEvery, err = resolveStorage(cfg.Storage)
	fail(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Timetable.Source)) {
	case "sqlite", "yaml":
	default:
		fail(fmt.Errorf("timetable.source: unknown source %q (want sqlite or yaml)", cfg.Timetable.Source))
	}
	if strings.TrimSpace(cfg.Timetable.Path) == "" {
		fail(errors.New("timetable.path is required"))
	}
	if n := len(cfg.Timetable.WeekdayNames); n != 0 && n != timewindow.SchoolDays {
		fail(fmt.Errorf("timetable.weekday_names: need %d names, got %d", timewindow.SchoolDays, n))
	}
	rt.TimetableRefresh, err = ParseDurationField("timetable.refresh", cfg.Timetable.Refresh)
	fail(err)

	rt.AutodeleteEvery, err = ParseDurationOrDefault("autodelete.interval", cfg.Autodelete.Interval, 10*time.Minute)
	fail(err)

	if cfg.Debug.Enabled && cfg.Debug.Token == "" && !isLoopback(cfg.Debug.ListenAddr()) {
		fail(errors.New("debug.token is required when debug.addr is not a loopback address"))
	}

	rt.Templates, err = render.New(cfg.Texts)
	fail(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return &rt, nil
}

// Validate reports the same problems as Resolve.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

func resolveSchedule(s ScheduleConfig) (timewindow.Window, []string, time.Duration, error) {
	var errs []error
	if len(s.Slots) == 0 {
		errs = append(errs, errors.New("schedule.slots must not be empty"))
	}
	labels := make([]string, 0, len(s.Slots))
	for i, raw := range s.Slots {
		d, err := timewindow.ParseClock(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule.slots[%d]: %w", i, err))
			continue
		}
		labels = append(labels, timewindow.FormatClock(d))
	}

	start, err := timewindow.ParseClock(s.Start)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule.start: %w", err))
	}
	end, err := timewindow.ParseClock(s.End)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule.end: %w", err))
	}
	interval, err := ParseDurationField("schedule.slot_interval", s.SlotInterval)
	if err != nil {
		errs = append(errs, err)
	}
	grace, err := ParseDurationField("schedule.grace", s.Grace)
	if err != nil {
		errs = append(errs, err)
	}
	lead, err := ParseDurationOrDefault("schedule.reminder_lead", s.ReminderLead, 5*time.Minute)
	if err != nil {
		errs = append(errs, err)
	}
	loc, err := timewindow.ParseUTCOffset(s.UTCOffset)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule.utc_offset: %w", err))
	}
	if len(errs) > 0 {
		return timewindow.Window{}, nil, 0, errors.Join(errs...)
	}

	w := timewindow.Window{
		Start:    start,
		End:      end,
		Interval: interval,
		Grace:    grace,
		Slots:    len(labels),
		Location: loc,
	}
	if err := (reminder.Config{Window: w, Lead: lead}).Validate(); err != nil {
		return timewindow.Window{}, nil, 0, fmt.Errorf("schedule: %w", err)
	}
	return w, labels, lead, nil
}

func resolveRateLimit(r RateLimitConfig) (ratelimit.Config, error) {
	policy, err := ratelimit.ParsePolicy(r.Policy)
	if err != nil {
		return ratelimit.Config{}, fmt.Errorf("rate_limit.policy: %w", err)
	}
	window, err := ParseDurationField("rate_limit.window", r.Window)
	if err != nil {
		return ratelimit.Config{}, err
	}
	if window <= 0 {
		return ratelimit.Config{}, errors.New("rate_limit.window must be > 0")
	}
	if r.MaxRequests <= 0 {
		return ratelimit.Config{}, errors.New("rate_limit.max_requests must be > 0")
	}
	return ratelimit.Config{Policy: policy, Window: window, MaxRequests: r.MaxRequests}, nil
}

func resolveStorage(s StorageConfig) (storage.Config, time.Duration, error) {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return storage.Config{}, 0, fmt.Errorf("storage.path is required for driver %q", driver)
		}
	case "redis":
		if strings.TrimSpace(s.RedisAddr) == "" {
			return storage.Config{}, 0, errors.New("storage.redis_addr is required for driver \"redis\"")
		}
	default:
		return storage.Config{}, 0, fmt.Errorf("storage.driver: %w: %q", storage.ErrUnknownBackend, s.Driver)
	}
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	drain, err := ParseDurationOrDefault("storage.drain_every", s.DrainEvery, time.Second)
	if err != nil {
		return storage.Config{}, 0, err
	}
	return storage.Config{
		Driver:        driver,
		Path:          s.Path,
		BusyTimeout:   busy,
		RedisAddr:     s.RedisAddr,
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
		RedisPrefix:   s.RedisPrefix,
	}, drain, nil
}

// applyEnv lets secrets live outside the config file.
func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOperatorID)); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOperatorID, err)
		}
		cfg.Telegram.OperatorID = id
	}
	return nil
}

// ListenAddr is Addr or the loopback default.
func (d DebugConfig) ListenAddr() string {
	if a := strings.TrimSpace(d.Addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
