package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"calenbot/internal/storage"
	kit "calenbot/internal/transport"
	"calenbot/internal/transport/telegram/router"
	logx "calenbot/pkg/logx"
)

// parseSwitch reads an optional on/off argument. nil means toggle.
func parseSwitch(args []string) *bool {
	if len(args) == 0 {
		return nil
	}
	var v bool
	switch strings.ToLower(args[0]) {
	case "on", "1", "true", "yes":
		v = true
	case "off", "0", "false", "no":
		v = false
	default:
		return nil
	}
	return &v
}

func (s *Service) handleVerbose(ctx context.Context, req *router.Request, _ Caller) error {
	s.reply(ctx, req, s.tpl.VerboseMode(s.session.ToggleVerbose(parseSwitch(req.Args))))
	return nil
}

func (s *Service) handleDeaf(ctx context.Context, req *router.Request, _ Caller) error {
	s.reply(ctx, req, s.tpl.DeafMode(s.session.ToggleDeaf(parseSwitch(req.Args))))
	return nil
}

var errNotOperator = errors.New("not the operator")

// operator restricts h to the operator and records an audit entry for
// every attempt.
func (s *Service) operator(h router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		var err error
		if s.isOperator(req.FromID) {
			s.metrics.Request(req.Command, Allow.String())
			err = h(ctx, req)
		} else {
			s.metrics.Request(req.Command, DenyUnauthorized.String())
			err = errNotOperator
			if s.groups.Authorized(req.Chat.ChatID) {
				s.reply(ctx, req, s.tpl.NoAuth())
			}
		}
		s.auditRecord(ctx, req, err)
		if errors.Is(err, errNotOperator) {
			req.Logger.Warn("operator command refused")
			return nil
		}
		return err
	}
}

func (s *Service) auditRecord(ctx context.Context, req *router.Request, err error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      s.now().UTC(),
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Command: req.Command,
		OK:      err == nil,
	}
	if req.Message != nil {
		e.ActorUsername = req.Message.FromUsername
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.audit.AppendAudit(ctx, e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}

func (s *Service) handleStart(ctx context.Context, req *router.Request) error {
	s.reply(ctx, req, s.tpl.Welcome())
	return nil
}

func (s *Service) handleEnable(ctx context.Context, req *router.Request) error {
	title := ""
	if req.Message != nil {
		title = req.Message.ChatTitle
	}
	s.groups.Enable(req.Chat.ChatID, title, req.FromID)
	s.reply(ctx, req, s.tpl.GroupEnabled())
	return nil
}

func (s *Service) handleDisable(ctx context.Context, req *router.Request) error {
	s.groups.Disable(req.Chat.ChatID)
	s.reply(ctx, req, s.tpl.GroupDisabled())
	return nil
}

// handleStartScheduler points reminders at this chat and arms them.
func (s *Service) handleStartScheduler(ctx context.Context, req *router.Request) error {
	if s.reminders == nil {
		return errors.New("reminders are not configured")
	}
	s.session.SetScheduler(true, req.Chat.ChatID, req.Chat.ThreadID)
	if !s.reminders.Start() {
		req.Logger.Info("reminders already armed; target updated")
	}
	s.reply(ctx, req, s.tpl.SchedulerStarted())
	return nil
}

func (s *Service) handleStopScheduler(ctx context.Context, req *router.Request) error {
	if s.reminders == nil {
		return errors.New("reminders are not configured")
	}
	s.reminders.Stop()
	s.session.SetScheduler(false, 0, 0)
	s.reply(ctx, req, s.tpl.SchedulerStopped())
	return nil
}

func (s *Service) handleAutodelete(ctx context.Context, req *router.Request) error {
	on := s.session.ToggleAutodelete(parseSwitch(req.Args))
	if !on {
		s.tracked.reset()
	}
	s.reply(ctx, req, s.tpl.AutodeleteMode(on))
	return nil
}

// handleCommands installs the member, admin and operator menus for this chat.
func (s *Service) handleCommands(ctx context.Context, req *router.Request) error {
	up, ok := s.tr.(kit.CommandMenuUpdater)
	if !ok || s.menus == nil {
		return errors.New("transport cannot install menus")
	}
	chat := req.Chat.ChatID
	scopes := []struct {
		scope kit.MenuScope
		role  router.Role
	}{
		{kit.MenuScope{Kind: kit.MenuScopeChat, ChatID: chat}, router.RoleMember},
		{kit.MenuScope{Kind: kit.MenuScopeChatAdmins, ChatID: chat}, router.RoleAdmin},
		{kit.MenuScope{Kind: kit.MenuScopeChatMember, ChatID: chat, UserID: s.operatorID}, router.RoleOperator},
	}
	var errs []error
	for _, sc := range scopes {
		if err := up.SetMenuCommands(ctx, sc.scope, s.menus.Menu(sc.role)); err != nil {
			s.metrics.TransportError("set_menu")
			errs = append(errs, fmt.Errorf("%s menu: %w", sc.role, err))
		}
	}
	return errors.Join(errs...)
}
