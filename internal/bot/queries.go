package bot

import (
	"context"

	"calenbot/internal/transport/telegram/router"
)

// Query answers a timetable question for the current instant. It is the
// path shared by chat commands and tests.
func (s *Service) Query(kind string) []string {
	st := s.tt.Current()
	now := s.now()
	o := s.options()
	switch kind {
	case "now":
		return []string{s.tpl.Now(st, s.window.Resolve(now), o)}
	case "today":
		return []string{s.tpl.Day(st, s.window.Resolve(now), o)}
	case "week":
		return []string{s.tpl.Week(st, s.window.Resolve(now).Parity, o)}
	case "all":
		return s.tpl.All(st, o)
	}
	return nil
}

func (s *Service) answer(ctx context.Context, req *router.Request, kind string) error {
	for _, text := range s.Query(kind) {
		s.reply(ctx, req, text)
	}
	return nil
}

func (s *Service) handleNow(ctx context.Context, req *router.Request, _ Caller) error {
	return s.answer(ctx, req, "now")
}

func (s *Service) handleToday(ctx context.Context, req *router.Request, _ Caller) error {
	return s.answer(ctx, req, "today")
}

func (s *Service) handleWeek(ctx context.Context, req *router.Request, _ Caller) error {
	return s.answer(ctx, req, "week")
}

// handleAll sends one message per week parity.
func (s *Service) handleAll(ctx context.Context, req *router.Request, _ Caller) error {
	return s.answer(ctx, req, "all")
}
