// Package groups tracks which chats may use the bot.
//
// The registry is an in-memory cache loaded once from the backing store.
// Every change updates the cache immediately and is persisted through the
// write queue as a merge on the "groups" collection, keyed by chat id; a
// removal writes a null value, which deletes the key.
package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"calenbot/internal/writequeue"
	logx "calenbot/pkg/logx"
)

const Collection = "groups"

// Group is one authorized chat.
type Group struct {
	ChatID    int64
	Title     string
	EnabledAt time.Time
	EnabledBy int64
}

type record struct {
	Title     string    `json:"title,omitempty"`
	EnabledAt time.Time `json:"enabled_at"`
	EnabledBy int64     `json:"enabled_by,omitempty"`
}

// Loader reads a collection snapshot.
type Loader interface {
	Get(ctx context.Context, collection string) (any, error)
}

// Writer is the write queue.
type Writer interface {
	Enqueue(collection string, payload any, mode writequeue.Mode) writequeue.Key
}

type Registry struct {
	w   Writer
	log logx.Logger
	now func() time.Time

	mu     sync.RWMutex
	groups map[int64]Group
}

func New(w Writer, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		w:      w,
		log:    log.With(logx.String("comp", "groups")),
		now:    time.Now,
		groups: map[int64]Group{},
	}
}

// Load replaces the cache with the stored snapshot. Unparseable keys are
// skipped and logged.
func (r *Registry) Load(ctx context.Context, src Loader) error {
	doc, err := src.Get(ctx, Collection)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("load groups: snapshot is %T, want object", doc)
	}

	next := make(map[int64]Group, len(m))
	for k, v := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			r.log.Warn("skipping bad group key", logx.String("key", k))
			continue
		}
		next[id] = decodeGroup(id, v)
	}

	r.mu.Lock()
	r.groups = next
	r.mu.Unlock()
	r.log.Info("groups loaded", logx.Int("count", len(next)))
	return nil
}

// decodeGroup accepts the object form and bare legacy values (true, 1,
// a title string).
func decodeGroup(id int64, v any) Group {
	g := Group{ChatID: id}
	switch x := v.(type) {
	case map[string]any:
		if s, ok := x["title"].(string); ok {
			g.Title = s
		}
		if s, ok := x["enabled_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				g.EnabledAt = t
			}
		}
		switch by := x["enabled_by"].(type) {
		case json.Number:
			g.EnabledBy, _ = by.Int64()
		case float64:
			g.EnabledBy = int64(by)
		}
	case string:
		g.Title = x
	}
	return g
}

// Authorized reports whether chatID is enabled.
func (r *Registry) Authorized(chatID int64) bool {
	r.mu.RLock()
	_, ok := r.groups[chatID]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Get(chatID int64) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[chatID]
	return g, ok
}

// List returns all groups ordered by chat id.
func (r *Registry) List() []Group {
	r.mu.RLock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Enable authorizes chatID, or refreshes its title when already enabled.
// It reports whether the chat was newly added.
func (r *Registry) Enable(chatID int64, title string, by int64) bool {
	r.mu.Lock()
	prev, existed := r.groups[chatID]
	g := Group{ChatID: chatID, Title: title, EnabledAt: r.now().UTC(), EnabledBy: by}
	if existed {
		g.EnabledAt, g.EnabledBy = prev.EnabledAt, prev.EnabledBy
	}
	r.groups[chatID] = g
	// Enqueue under the lock so queue order matches cache order.
	r.w.Enqueue(Collection, map[string]any{
		key(chatID): record{Title: g.Title, EnabledAt: g.EnabledAt, EnabledBy: g.EnabledBy},
	}, writequeue.Merge)
	r.mu.Unlock()

	r.log.Info("group enabled", logx.Int64("chat_id", chatID), logx.String("title", title), logx.Bool("new", !existed))
	return !existed
}

// Disable removes chatID. It reports whether the chat was enabled.
func (r *Registry) Disable(chatID int64) bool {
	r.mu.Lock()
	_, existed := r.groups[chatID]
	delete(r.groups, chatID)
	r.w.Enqueue(Collection, map[string]any{key(chatID): nil}, writequeue.Merge)
	r.mu.Unlock()

	r.log.Info("group disabled", logx.Int64("chat_id", chatID), logx.Bool("existed", existed))
	return existed
}

func key(chatID int64) string { return strconv.FormatInt(chatID, 10) }
