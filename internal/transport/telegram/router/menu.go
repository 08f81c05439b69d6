package router

import (
	"context"
	"strings"
	"unicode"

	kit "shieldbot/internal/transport"
)

// MenuCommands builds the Telegram command menu from the visible commands,
// in registration order. Telegram allows at most 100 entries.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	var out []kit.BotCommand
	seen := map[string]bool{}
	for _, c := range m.Commands() {
		if c.Hidden {
			continue
		}
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}

// PublishMenu pushes MenuCommands to the adapter when it supports menus.
func (m *CommandManager) PublishMenu(ctx context.Context, adapter any) error {
	up, ok := adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, m.MenuCommands())
}

// HelpText renders a Markdown command list under header.
func (m *CommandManager) HelpText(header string) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n\n")
	}
	for _, c := range m.Commands() {
		if c.Hidden {
			continue
		}
		usage := strings.TrimSpace(c.Usage)
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("• `")
		b.WriteString(usage)
		b.WriteString("`")
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" - ")
			b.WriteString(d)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// sanitizeTelegramCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
