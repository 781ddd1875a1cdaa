// Package bot is the chat-facing core: it owns the session settings, gates
// every request, answers timetable queries, runs operator commands and
// delivers reminders.
//
// Service replaces process-wide state: every handler reaches the settings,
// the limiter and the group registry through it.
package bot

import (
	"context"
	"time"

	"calenbot/internal/groups"
	"calenbot/internal/metrics"
	"calenbot/internal/ratelimit"
	"calenbot/internal/render"
	"calenbot/internal/storage"
	"calenbot/internal/timetable"
	"calenbot/internal/timewindow"
	kit "calenbot/internal/transport"
	"calenbot/internal/transport/telegram/router"
	logx "calenbot/pkg/logx"

	"golang.org/x/time/rate"
)

// Transport is the part of the chat adapter the bot uses.
type Transport interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// Timetable yields the store currently installed.
type Timetable interface {
	Current() *timetable.Store
}

// Reminders controls the reminder state machine.
type Reminders interface {
	Start() bool
	Stop() bool
	Armed() bool
}

// Auditor records operator actions.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Menus yields the command menu for a role.
type Menus interface {
	Menu(role router.Role) []kit.BotCommand
}

type Deps struct {
	Transport  Transport
	Timetable  Timetable
	Window     timewindow.Window
	Lead       time.Duration
	Limiter    *ratelimit.Limiter
	Groups     *groups.Registry
	Session    *Session
	Templates  *render.Templates
	Reminders  Reminders
	Auditor    Auditor
	Menus      Menus
	Metrics    *metrics.Metrics
	OperatorID int64
	// SendRate paces reminder sends per second; 0 means 1.
	SendRate float64
	Now      func() time.Time
}

type Service struct {
	tr         Transport
	tt         Timetable
	window     timewindow.Window
	lead       time.Duration
	limiter    *ratelimit.Limiter
	groups     *groups.Registry
	session    *Session
	tpl        *render.Templates
	reminders  Reminders
	audit      Auditor
	menus      Menus
	metrics    *metrics.Metrics
	operatorID int64
	pacer      *rate.Limiter
	now        func() time.Time
	log        logx.Logger

	tracked *tracker
}

func New(d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Templates == nil {
		d.Templates = render.MustDefault()
	}
	if d.SendRate <= 0 {
		d.SendRate = 1
	}
	return &Service{
		tr:         d.Transport,
		tt:         d.Timetable,
		window:     d.Window,
		lead:       d.Lead,
		limiter:    d.Limiter,
		groups:     d.Groups,
		session:    d.Session,
		tpl:        d.Templates,
		reminders:  d.Reminders,
		audit:      d.Auditor,
		menus:      d.Menus,
		metrics:    d.Metrics,
		operatorID: d.OperatorID,
		pacer:      rate.NewLimiter(rate.Limit(d.SendRate), 1),
		now:        d.Now,
		log:        log.With(logx.String("comp", "bot")),
		tracked:    newTracker(),
	}
}

// Commands is the full command table.
func (s *Service) Commands() []router.Command {
	return []router.Command{
		{Name: "now", Description: "lesson right now", Handle: s.guard(router.RoleMember, s.handleNow)},
		{Name: "today", Description: "lessons today", Handle: s.guard(router.RoleMember, s.handleToday)},
		{Name: "week", Description: "lessons this week", Handle: s.guard(router.RoleMember, s.handleWeek)},
		{Name: "all", Description: "both weekly timetables", Handle: s.guard(router.RoleMember, s.handleAll)},

		{Name: "verbose", Role: router.RoleAdmin, Description: "toggle links and contacts", Handle: s.guard(router.RoleAdmin, s.handleVerbose)},
		{Name: "deaf", Role: router.RoleAdmin, Description: "toggle answers to members", Handle: s.guard(router.RoleAdmin, s.handleDeaf)},

		{Name: "start", Role: router.RoleOperator, Description: "greeting", Handle: s.operator(s.handleStart)},
		{Name: "enable", Role: router.RoleOperator, Description: "authorize this chat", Handle: s.operator(s.handleEnable)},
		{Name: "disable", Role: router.RoleOperator, Description: "revoke this chat", Handle: s.operator(s.handleDisable)},
		{Name: "start_scheduler", Role: router.RoleOperator, Description: "start reminders here", Handle: s.operator(s.handleStartScheduler)},
		{Name: "stop_scheduler", Role: router.RoleOperator, Description: "stop reminders", Handle: s.operator(s.handleStopScheduler)},
		{Name: "commands", Role: router.RoleOperator, Description: "install command menus", Handle: s.operator(s.handleCommands)},
		{Name: "autodelete", Role: router.RoleOperator, Description: "toggle cleanup of bot messages", Handle: s.operator(s.handleAutodelete)},
	}
}

// Unknown answers commands that are not in the table.
func (s *Service) Unknown() router.HandlerFunc {
	return s.guard(router.RoleMember, func(ctx context.Context, req *router.Request, _ Caller) error {
		s.reply(ctx, req, s.tpl.UnknownCommand())
		return nil
	})
}

// Restore re-arms reminders when they were running before a restart.
func (s *Service) Restore() {
	if st := s.session.Snapshot(); st.Scheduler && st.ReminderChat != 0 && s.reminders != nil {
		if s.reminders.Start() {
			s.log.Info("reminders restored", logx.Int64("chat_id", st.ReminderChat))
		}
	}
}

func (s *Service) options() render.Options {
	v := s.session.Snapshot().Verbose
	return render.Options{Links: v, Contacts: v}
}

var markdown = &kit.SendOptions{ParseMode: "Markdown", DisablePreview: true}

// reply answers in the request's chat. Failures are logged and counted.
// Under autodelete both the command and the answer are tracked.
func (s *Service) reply(ctx context.Context, req *router.Request, text string) {
	ref, err := s.tr.SendText(ctx, req.Chat, text, markdown)
	if err != nil {
		s.metrics.TransportError("send")
		req.Logger.Warn("reply failed", logx.Err(err))
		return
	}
	if s.session.Snapshot().Autodelete {
		s.tracked.add(ref)
		if req.Message != nil {
			s.tracked.add(kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.Message.ID})
		}
	}
}
