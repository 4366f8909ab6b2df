package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is Telegram-safe HTML: already escaped, ready for ParseMode="HTML".
// Plain strings enter through Esc (or Raw, when the caller vouches).
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for the HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw vouches for s being safe HTML already. Use sparingly.
func Raw(s string) H { return H(s) }

func tagged(tag string, inner H) H {
	return H("<" + tag + ">" + inner.String() + "</" + tag + ">")
}

func B(s string) H     { return tagged("b", Esc(s)) }
func I(s string) H     { return tagged("i", Esc(s)) }
func U(s string) H     { return tagged("u", Esc(s)) }
func S(s string) H     { return tagged("s", Esc(s)) }
func Code(s string) H  { return tagged("code", Esc(s)) }
func Quote(s string) H { return tagged("blockquote", Esc(s)) }

// Pre renders one preformatted block. Telegram wants balanced tags in
// every message, so long content goes through Builder.PreMulti, which
// wraps each chunk separately.
func Pre(s string) H {
	return tagged("pre", tagged("code", Esc(s)))
}

// Link builds an anchor. html.EscapeString covers quotes, so the href
// attribute is safe too.
func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// Mention links a display name to a Telegram user ID.
func Mention(name string, userID int64) H {
	return Link(name, fmt.Sprintf("tg://user?id=%d", userID))
}

// JoinH joins parts with sep, skipping blanks.
func JoinH(sep string, parts ...H) H {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) != "" {
			kept = append(kept, p.String())
		}
	}
	return H(strings.Join(kept, sep))
}
