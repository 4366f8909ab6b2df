package bot

import (
	"html"
	"sort"
	"strings"
)

// helpText renders the fallback /help reply in HTML parse mode. With no
// topic it lists every command; with one it shows that command. Only
// registries that register no "help" route of their own see this.
func (r *Router) helpText(args []string) string {
	reg := r.registrySnapshot()

	if len(args) == 0 {
		return helpIndexHTML(reg)
	}

	topic := strings.TrimPrefix(strings.TrimSpace(args[0]), "/")
	c := reg.lookup(topic)
	if c == nil {
		return "❓ <b>Unknown command</b>\nType <code>/help</code> to list all commands."
	}
	return helpCommandHTML(c)
}

// helpIndexHTML lists public commands first, owner-only ones below
// them, each bucket alphabetical.
func helpIndexHTML(reg *registry) string {
	var public, owner []string
	for _, name := range reg.routes() {
		c := reg.commands[name]
		line := "<code>/" + html.EscapeString(name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " — " + html.EscapeString(d)
		}
		if c.Access == AccessOwnerOnly {
			owner = append(owner, "• 🔒 "+line)
		} else {
			public = append(public, "• "+line)
		}
	}

	lines := make([]string, 0, len(public)+len(owner)+3)
	lines = append(lines,
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;command&gt;</code> for details.",
		"")
	lines = append(lines, public...)
	lines = append(lines, owner...)
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c *Command) string {
	lines := []string{"📚 <b>/" + html.EscapeString(c.Route) + "</b>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}

	names := make([]string, 0, len(c.Aliases))
	for _, a := range c.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			names = append(names, "/"+a)
		}
	}
	if len(names) > 0 {
		sort.Strings(names)
		lines = append(lines, "", "<b>Aliases</b> <code>"+html.EscapeString(strings.Join(names, ", "))+"</code>")
	}
	return strings.Join(lines, "\n")
}
