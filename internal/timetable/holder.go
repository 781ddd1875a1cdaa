package timetable

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	logx "calenbot/pkg/logx"
)

// Source produces timetable entries. Implementations are the scraped
// database and a hand-written YAML file.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]Entry, error)
}

// Holder publishes the current Store. Refresh swaps in a new one atomically;
// readers holding the old pointer keep a consistent view.
type Holder struct {
	labels []string
	src    Source
	log    logx.Logger

	cur atomic.Pointer[Store]

	// OnRefresh is called after a successful rebuild.
	OnRefresh func(entries int)
}

func NewHolder(labels []string, src Source, log logx.Logger) *Holder {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Holder{labels: append([]string(nil), labels...), src: src, log: log.With(logx.String("comp", "timetable"))}
	h.cur.Store(Empty(labels))
	return h
}

// Current never returns nil.
func (h *Holder) Current() *Store { return h.cur.Load() }

// Refresh rebuilds the store from the source. On failure the previous store
// stays installed.
func (h *Holder) Refresh(ctx context.Context) error {
	if h.src == nil {
		return nil
	}
	start := time.Now()
	entries, err := h.src.Load(ctx)
	if err != nil {
		h.log.Warn("timetable load failed; keeping previous", logx.String("source", h.src.Name()), logx.Err(err))
		return fmt.Errorf("load %s: %w", h.src.Name(), err)
	}
	st, err := Build(h.labels, entries)
	if err != nil {
		h.log.Warn("timetable build failed; keeping previous", logx.String("source", h.src.Name()), logx.Err(err))
		return err
	}
	h.cur.Store(st)
	h.log.Info("timetable refreshed",
		logx.String("source", h.src.Name()),
		logx.Int("entries", st.Len()),
		logx.Duration("took", time.Since(start)),
	)
	if h.OnRefresh != nil {
		h.OnRefresh(st.Len())
	}
	return nil
}
