package bot

import (
	"context"
	"sync"

	kit "calenbot/internal/transport"
	logx "calenbot/pkg/logx"
)

// tracker remembers messages to clean up on the next autodelete run.
type tracker struct {
	mu   sync.Mutex
	refs []kit.MessageRef
}

func newTracker() *tracker { return &tracker{} }

func (t *tracker) add(ref kit.MessageRef) {
	if ref.MessageID == 0 {
		return
	}
	t.mu.Lock()
	t.refs = append(t.refs, ref)
	t.mu.Unlock()
}

func (t *tracker) take() []kit.MessageRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.refs
	t.refs = nil
	return out
}

func (t *tracker) reset() { _ = t.take() }

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

// Pending is the number of messages awaiting deletion.
func (s *Service) Pending() int { return s.tracked.len() }

// Autodelete deletes every tracked message. Failed deletes are logged and
// abandoned. It returns the number of messages deleted.
func (s *Service) Autodelete(ctx context.Context) (int, error) {
	refs := s.tracked.take()
	deleted := 0
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			s.log.Warn("autodelete interrupted", logx.Int("left", len(refs)-i))
			return deleted, err
		}
		if err := s.tr.DeleteMessage(ctx, ref); err != nil {
			s.metrics.TransportError("delete")
			s.log.Debug("delete failed; abandoning", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID), logx.Err(err))
			continue
		}
		deleted++
	}
	if len(refs) > 0 {
		s.log.Info("autodelete run", logx.Int("tracked", len(refs)), logx.Int("deleted", deleted))
	}
	return deleted, nil
}
