package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"calenbot/internal/writequeue"
	logx "calenbot/pkg/logx"
)

// SettingsCollection holds the persisted toggles.
const SettingsCollection = "settings"

// Settings are the deployment-wide switches changed by chat commands.
type Settings struct {
	Verbose    bool `json:"verbose"`
	Deaf       bool `json:"deaf"`
	Autodelete bool `json:"autodelete"`
	// Scheduler records whether reminders were running, so a restart re-arms them.
	Scheduler      bool  `json:"scheduler"`
	ReminderChat   int64 `json:"reminder_chat"`
	ReminderThread int   `json:"reminder_thread,omitempty"`
}

// Loader reads a collection snapshot from the backing store.
type Loader interface {
	Get(ctx context.Context, collection string) (any, error)
}

// Writer is the write queue.
type Writer interface {
	Enqueue(collection string, payload any, mode writequeue.Mode) writequeue.Key
}

// Session owns the settings. Every change is applied in memory first and
// then queued as a merge of the changed fields.
type Session struct {
	w   Writer
	log logx.Logger

	mu sync.RWMutex
	s  Settings
}

func NewSession(w Writer, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{w: w, log: log.With(logx.String("comp", "session"))}
}

// Load restores persisted settings. A missing collection leaves defaults.
func (s *Session) Load(ctx context.Context, src Loader) error {
	doc, err := src.Get(ctx, SettingsCollection)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	var next Settings
	if err := json.Unmarshal(b, &next); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	s.mu.Lock()
	s.s = next
	s.mu.Unlock()
	s.log.Info("settings loaded",
		logx.Bool("verbose", next.Verbose),
		logx.Bool("deaf", next.Deaf),
		logx.Bool("autodelete", next.Autodelete),
		logx.Bool("scheduler", next.Scheduler),
		logx.Int64("reminder_chat", next.ReminderChat),
	)
	return nil
}

func (s *Session) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s
}

// persist must be called with s.mu held so queue order matches memory order.
func (s *Session) persist(fields map[string]any) {
	if s.w != nil {
		s.w.Enqueue(SettingsCollection, fields, writequeue.Merge)
	}
}

// toggle flips (or sets, when to is non-nil) one boolean and returns the
// new value.
func (s *Session) toggle(key string, field *bool, to *bool) bool {
	s.mu.Lock()
	v := !*field
	if to != nil {
		v = *to
	}
	*field = v
	s.persist(map[string]any{key: v})
	s.mu.Unlock()
	s.log.Info("setting changed", logx.String("key", key), logx.Bool("value", v))
	return v
}

func (s *Session) ToggleVerbose(to *bool) bool    { return s.toggle("verbose", &s.s.Verbose, to) }
func (s *Session) ToggleDeaf(to *bool) bool       { return s.toggle("deaf", &s.s.Deaf, to) }
func (s *Session) ToggleAutodelete(to *bool) bool { return s.toggle("autodelete", &s.s.Autodelete, to) }

// SetScheduler records the reminder state and, when starting, its target.
func (s *Session) SetScheduler(running bool, chatID int64, threadID int) {
	s.mu.Lock()
	s.s.Scheduler = running
	fields := map[string]any{"scheduler": running}
	if running {
		s.s.ReminderChat, s.s.ReminderThread = chatID, threadID
		fields["reminder_chat"] = chatID
		fields["reminder_thread"] = threadID
	}
	s.persist(fields)
	s.mu.Unlock()
}
