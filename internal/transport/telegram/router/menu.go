package router

import (
	"sort"
	"strings"
	"unicode"

	kit "calenbot/internal/transport"
)

// Telegram limits for bot command menus.
const (
	maxCommandLen     = 32
	maxDescriptionLen = 256
	maxMenuEntries    = 100
)

// sanitizeTelegramCommand maps s onto Telegram's [a-z0-9_]{1,32} command
// alphabet. It returns "" when nothing usable is left.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/")))

	var b strings.Builder
	b.Grow(len(s))
	underscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			underscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !underscore {
				b.WriteRune('_')
				underscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// Menu lists the commands visible to role: its own commands plus those of
// every lower role, lower roles first.
func (m *Manager) Menu(role Role) []kit.BotCommand {
	cmds := m.Commands()
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Role < cmds[j].Role })

	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Role > role {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if len(desc) > maxDescriptionLen {
			desc = desc[:maxDescriptionLen]
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
		if len(out) == maxMenuEntries {
			break
		}
	}
	return out
}
