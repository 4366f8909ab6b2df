package bot

import (
	"sort"
	"strings"
	"unicode"

	kit "terminbot/internal/transport"
)

// Telegram caps the command menu at 100 entries and descriptions at 256
// bytes.
const (
	maxMenuCommands = 100
	maxMenuDescLen  = 256
)

// sanitizeTelegramCommand maps a route name onto Telegram's command
// alphabet: [a-z0-9_]{1,32}, starting with a letter. Separators become
// single underscores, anything else is dropped.
func sanitizeTelegramCommand(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			return '_'
		default:
			return -1
		}
	}, strings.ToLower(strings.TrimSpace(s)))

	// Collapse separator runs and strip leading/trailing ones.
	words := strings.FieldsFunc(mapped, func(r rune) bool { return r == '_' })
	out := strings.Join(words, "_")
	if out == "" {
		return ""
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

// buildTelegramMenuCommands renders the autocomplete menu Telegram shows
// when the user types "/". Owner-only commands are dispatchable but stay
// out of the public menu; aliases are omitted to keep it short.
func buildTelegramMenuCommands(reg *registry) []kit.BotCommand {
	if reg == nil {
		return nil
	}
	out := make([]kit.BotCommand, 0, len(reg.commands))
	seen := map[string]bool{}
	for _, name := range reg.routes() {
		c := reg.commands[name]
		if c.Access == AccessOwnerOnly {
			continue
		}
		cmd := sanitizeTelegramCommand(name)
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, kit.BotCommand{Command: cmd, Description: menuDescription(c.Description, cmd)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	if len(out) > maxMenuCommands {
		out = out[:maxMenuCommands]
	}
	return out
}

func menuDescription(desc, fallback string) string {
	desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
	if desc == "" {
		return fallback
	}
	if len(desc) > maxMenuDescLen {
		desc = desc[:maxMenuDescLen]
	}
	return desc
}
