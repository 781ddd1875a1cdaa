package bot

import (
	"context"
	"time"

	kit "calenbot/internal/transport"
	logx "calenbot/pkg/logx"
)

// Reminder results, as counted by metrics.
const (
	reminderSent         = "sent"
	reminderEmpty        = "empty"
	reminderNoTarget     = "no_target"
	reminderUnauthorized = "unauthorized"
	reminderFailed       = "failed"
)

// Fire delivers the reminder for the slot at target. It is the
// reminder.FireFunc of the process.
func (s *Service) Fire(ctx context.Context, target time.Time) {
	s.metrics.Reminder(s.fire(ctx, target))
}

func (s *Service) fire(ctx context.Context, target time.Time) string {
	st := s.session.Snapshot()
	log := s.log.With(logx.Time("target", target), logx.Int64("chat_id", st.ReminderChat))
	if st.ReminderChat == 0 {
		log.Warn("reminder fired without a target chat")
		return reminderNoTarget
	}
	if !s.groups.Authorized(st.ReminderChat) && !s.isOperator(st.ReminderChat) {
		log.Info("reminder skipped; chat not enabled")
		return reminderUnauthorized
	}

	coord := s.window.Resolve(target)
	text, ok := s.tpl.Reminder(s.tt.Current(), coord, s.lead, s.options())
	if !ok {
		log.Debug("no lesson to announce", logx.String("coord", coord.String()))
		return reminderEmpty
	}

	if err := s.pacer.Wait(ctx); err != nil {
		log.Warn("reminder dropped", logx.Err(err))
		return reminderFailed
	}
	to := kit.ChatTarget{ChatID: st.ReminderChat, ThreadID: st.ReminderThread}
	ref, err := s.tr.SendText(ctx, to, text, markdown)
	if err != nil {
		s.metrics.TransportError("send")
		log.Warn("reminder send failed", logx.Err(err))
		return reminderFailed
	}
	if st.Autodelete {
		s.tracked.add(ref)
	}
	log.Info("reminder sent", logx.String("coord", coord.String()))
	return reminderSent
}
