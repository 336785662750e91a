package router

import (
	"context"
	"strings"
	"unicode/utf8"

	"dispatchbot/internal/transport"
)

const (
	maxMenuCommands = 100
	maxMenuDesc     = 256
)

// MenuCommands lists the public commands for the platform command menu.
// Admin-only and hidden commands are left out.
func (t *Table) MenuCommands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(t.order))
	for _, r := range t.Commands() {
		if r.AdminOnly || r.Hidden {
			continue
		}
		out = append(out, transport.BotCommand{Command: r.Key, Description: menuDescription(r)})
		if len(out) >= maxMenuCommands {
			break
		}
	}
	return out
}

func menuDescription(r *Rule) string {
	desc := strings.Join(strings.Fields(r.Description), " ")
	if desc == "" {
		desc = r.Key
	}
	if utf8.RuneCountInString(desc) > maxMenuDesc {
		rs := []rune(desc)
		desc = string(rs[:maxMenuDesc-1]) + "…"
	}
	return desc
}

// PublishMenu pushes the public commands to the platform when the gateway
// supports it. It reports false when the gateway has no command menu.
func PublishMenu(ctx context.Context, gw transport.Gateway, t *Table) (bool, error) {
	up, ok := gw.(transport.CommandMenuUpdater)
	if !ok {
		return false, nil
	}
	return true, up.UpdateMenuCommands(ctx, t.MenuCommands())
}
