package config

import "calenbot/internal/render"

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("90s", "115m"); times of day are "HH:MM".
// Only the logging section is applied on hot reload, everything else is read
// once at startup.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Schedule   ScheduleConfig   `json:"schedule"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Storage    StorageConfig    `json:"storage"`
	Timetable  TimetableConfig  `json:"timetable"`
	Autodelete AutodeleteConfig `json:"autodelete,omitempty"`
	Debug      DebugConfig      `json:"debug,omitempty"`

	// Texts overrides the built-in message texts. Missing keys keep defaults.
	Texts render.Texts `json:"texts,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OperatorID is the privileged user: bypasses rate limits and may run
	// operator commands.
	OperatorID int64 `json:"operator_id"`
	// LogChatID receives WARN+ log records when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ScheduleConfig describes the daily lesson grid.
//
// Example:
//
//	"schedule": {
//	  "slots": ["08:30", "10:25", "12:20", "14:15", "16:10", "18:05"],
//	  "start": "08:30", "end": "19:50",
//	  "slot_interval": "115m", "grace": "5m",
//	  "reminder_lead": "5m", "utc_offset": "+03:00"
//	}
type ScheduleConfig struct {
	Slots        []string `json:"slots"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	SlotInterval string   `json:"slot_interval"`
	Grace        string   `json:"grace,omitempty"`
	ReminderLead string   `json:"reminder_lead,omitempty"` // default 5m
	UTCOffset    string   `json:"utc_offset,omitempty"`    // default UTC
}

type RateLimitConfig struct {
	Policy      string `json:"policy,omitempty"` // global | per_user (default)
	Window      string `json:"window"`
	MaxRequests int    `json:"max_requests"`
}

// StorageConfig selects the backing store for groups and settings.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/state.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite | redis
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`

	// DrainEvery is the write-queue drain tick. Default 1s.
	DrainEvery string `json:"drain_every,omitempty"`
}

type TimetableConfig struct {
	Source string `json:"source"` // sqlite | yaml
	Path   string `json:"path"`
	// Refresh rebuilds the lookup from Source on this interval. Empty or
	// "0s" disables periodic refresh; the store is still built at startup.
	Refresh string `json:"refresh,omitempty"`
	// WeekdayNames maps day names used by the source to Monday..Friday.
	WeekdayNames []string `json:"weekday_names,omitempty"`
}

type AutodeleteConfig struct {
	Interval string `json:"interval,omitempty"` // default 10m
}

// DebugConfig controls the optional debug HTTP server.
//
// Prefer binding to localhost. A non-loopback Addr needs Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
	Metrics bool   `json:"metrics,omitempty"`
}
