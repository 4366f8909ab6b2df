package bot

import (
	"sort"
	"strings"
)

// registry is one immutable snapshot of the command table. SetRegistry
// builds a fresh snapshot and swaps it in whole, so dispatch never sees
// a half-installed table. Every route is a single word; aliases resolve
// to the same Command value as their canonical name.
type registry struct {
	commands map[string]*Command
	aliases  map[string]*Command
}

func newRegistry() *registry {
	return &registry{commands: map[string]*Command{}, aliases: map[string]*Command{}}
}

func (g *registry) add(c Command) {
	name := strings.TrimSpace(c.Route)
	if name == "" || c.Handle == nil || strings.ContainsAny(name, " \t") {
		return
	}
	cc := c
	cc.Route = name
	g.commands[name] = &cc
	for _, a := range cc.Aliases {
		if a = strings.TrimSpace(a); a != "" && !strings.ContainsAny(a, " \t") {
			g.aliases[a] = &cc
		}
	}
}

// lookup resolves a command word. Canonical names win over aliases.
func (g *registry) lookup(word string) *Command {
	if c, ok := g.commands[word]; ok {
		return c
	}
	return g.aliases[word]
}

// routes lists registered command names alphabetically.
func (g *registry) routes() []string {
	out := make([]string, 0, len(g.commands))
	for name := range g.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// tokenizeCommandLine splits command text on whitespace while honoring
// single/double quotes and backslash escapes, so an argument like
// "John Smith" stays one token.
func tokenizeCommandLine(s string) []string {
	var tokens []string
	cur := make([]byte, 0, 32)
	var open byte // active quote char, 0 outside quotes
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			cur = append(cur, s[i])
		case open != 0:
			if c == open {
				open = 0
			} else {
				cur = append(cur, c)
			}
		case c == '"' || c == '\'':
			open = c
		case c == ' ', c == '\t', c == '\n', c == '\r':
			if len(cur) > 0 {
				tokens = append(tokens, string(cur))
				cur = cur[:0]
			}
		default:
			cur = append(cur, c)
		}
	}
	if len(cur) > 0 {
		tokens = append(tokens, string(cur))
	}
	return tokens
}
