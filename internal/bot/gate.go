package bot

import (
	"context"

	"calenbot/internal/transport/telegram/router"
	logx "calenbot/pkg/logx"
)

// Decision is the outcome of the access gate.
type Decision int

const (
	Allow Decision = iota
	// DenyUnauthorized: the chat is not enabled or the caller lacks the role.
	DenyUnauthorized
	DenyRateLimited
	// DenyMuted: deaf mode is on and the caller is not an admin. No reply.
	DenyMuted
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnauthorized:
		return "unauthorized"
	case DenyRateLimited:
		return "rate_limited"
	case DenyMuted:
		return "muted"
	}
	return "unknown"
}

// Caller is what the gate learned about the sender.
type Caller struct {
	Operator bool
	Admin    bool
}

// Gate decides whether req may run a command meant for role.
//
// The operator passes unconditionally and is never counted by the rate
// limiter. Everyone else needs an enabled chat, the command's role, and
// (under deaf mode) chat admin rights, and is then rate limited.
func (s *Service) Gate(ctx context.Context, req *router.Request, role router.Role) (Decision, Caller) {
	if s.isOperator(req.FromID) {
		return Allow, Caller{Operator: true, Admin: true}
	}
	if role == router.RoleOperator || !s.groups.Authorized(req.Chat.ChatID) {
		return DenyUnauthorized, Caller{}
	}

	var c Caller
	if role == router.RoleAdmin || s.session.Snapshot().Deaf {
		admin, err := s.tr.IsChatAdmin(ctx, req.Chat.ChatID, req.FromID)
		if err != nil {
			s.metrics.TransportError("admin_check")
			req.Logger.Warn("admin check failed; treating as member", logx.Err(err))
		}
		c.Admin = admin
	}
	switch {
	case role == router.RoleAdmin && !c.Admin:
		return DenyUnauthorized, c
	case !c.Admin && s.session.Snapshot().Deaf:
		return DenyMuted, c
	}
	if !s.limiter.AdmitUser(req.FromID) {
		return DenyRateLimited, c
	}
	return Allow, c
}

func (s *Service) isOperator(userID int64) bool {
	return s.operatorID != 0 && userID == s.operatorID
}

// guard runs the gate in front of h and answers denials.
func (s *Service) guard(role router.Role, h func(ctx context.Context, req *router.Request, c Caller) error) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		d, c := s.Gate(ctx, req, role)
		s.metrics.Request(req.Command, d.String())
		switch d {
		case Allow:
			return h(ctx, req, c)
		case DenyUnauthorized:
			req.Logger.Info("request denied", logx.String("reason", d.String()))
			s.reply(ctx, req, s.tpl.NoAuth())
		case DenyRateLimited:
			req.Logger.Info("request denied", logx.String("reason", d.String()))
			s.reply(ctx, req, s.tpl.RateLimited())
		case DenyMuted:
			req.Logger.Debug("request muted")
		}
		return nil
	}
}
