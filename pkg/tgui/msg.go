package tgui

import (
	"context"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "terminbot/internal/transport"
)

// Message is a rendered screen: text plus send options. Handlers build
// it once and send or edit it without repeating option boilerplate.
type Message struct {
	Text string
	Opt  *kit.SendOptions

	// More holds follow-up messages when content had to be split while
	// keeping every Telegram message valid HTML (e.g. long Pre output).
	More []string
}

// Send delivers the message. Markup only rides on the first part.
func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	ref, err := ad.SendText(ctx, to, m.Text, m.Opt)
	if err != nil {
		return ref, err
	}
	return ref, m.sendExtras(ctx, ad, to)
}

// Edit rewrites an existing message in place; More parts still go out
// as fresh messages after the edit.
func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef, to kit.ChatTarget) error {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	if err := ad.EditText(ctx, ref, m.Text, m.Opt); err != nil {
		return err
	}
	return m.sendExtras(ctx, ad, to)
}

func (m Message) sendExtras(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) error {
	if len(m.More) == 0 {
		return nil
	}
	opt := kit.SendOptions{}
	if m.Opt != nil {
		opt = *m.Opt
	}
	opt.ReplyMarkupAdapter = nil
	for _, t := range m.More {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if _, err := ad.SendText(ctx, to, t, &opt); err != nil {
			return err
		}
	}
	return nil
}

// Builder assembles a Message line by line.
// Defaults: ParseMode=HTML with link previews off.
type Builder struct {
	parseMode      string
	disablePreview bool
	rm             *tele.ReplyMarkup
	lines          []string
	more           []string
}

func New() *Builder {
	return &Builder{parseMode: "HTML", disablePreview: true}
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, "HTML") }

// ParseMode overrides the parse mode ("HTML", "Markdown", or empty).
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

// DisablePreview toggles link previews.
func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Inline attaches an inline keyboard; nil detaches.
func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil {
		b.rm = nil
		return b
	}
	b.rm = kb.Markup()
	return b
}

// Markup attaches a ready reply markup (e.g. from Grid2).
func (b *Builder) Markup(rm *tele.ReplyMarkup) *Builder {
	b.rm = rm
	return b
}

// Title adds a bold headline, optionally prefixed with an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if b.html() {
		e = Esc(e).String()
		t = tagged("b", Esc(t)).String()
	}
	if e != "" {
		return b.RawLine(e + " " + t)
	}
	return b.RawLine(t)
}

// Section adds a bold section header.
func (b *Builder) Section(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if b.html() {
		t = tagged("b", Esc(t)).String()
	}
	return b.RawLine(t)
}

// Line adds one line, escaped when the parse mode is HTML.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		return b.RawLine("")
	}
	if b.html() {
		s = Esc(s).String()
	}
	return b.RawLine(s)
}

// RawLine appends without escaping. Only for pre-escaped H content.
func (b *Builder) RawLine(s string) *Builder {
	b.lines = append(b.lines, s)
	return b
}

// Blank inserts an empty line.
func (b *Builder) Blank() *Builder { return b.RawLine("") }

// Bullets adds one bullet line per non-empty item.
func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds a "• key: value" row.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if b.html() {
		return b.RawLine("• " + tagged("b", Esc(key)).String() + ": " + Esc(value).String())
	}
	if value == "" {
		return b.RawLine("• " + key)
	}
	return b.RawLine("• " + key + ": " + value)
}

// Code adds an inline code line.
func (b *Builder) Code(s string) *Builder {
	s = strings.TrimSpace(s)
	if s == "" {
		return b
	}
	if b.html() {
		s = Code(s).String()
	}
	return b.RawLine(s)
}

// Pre adds one preformatted block. Long content belongs in PreMulti.
func (b *Builder) Pre(code string) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if b.html() {
		code = Pre(code).String()
	}
	return b.RawLine(code)
}

// PreMulti splits a long pre block across several Telegram messages,
// wrapping every chunk in its own balanced <pre><code> pair. The first
// chunk stays in this message; the rest go out via Message.More.
func (b *Builder) PreMulti(code string, chunkLimit ...int) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	limit := 3500
	if len(chunkLimit) > 0 && chunkLimit[0] > 0 {
		limit = chunkLimit[0]
	}
	if !b.html() {
		return b.RawLine(code)
	}

	eff := limit - len("<pre><code></code></pre>")
	if eff < 128 {
		eff = 128
	}
	for i, chunk := range chunkRunes(code, eff) {
		if i == 0 {
			b.RawLine(Pre(chunk).String())
		} else {
			b.more = append(b.more, Pre(chunk).String())
		}
	}
	return b
}

// chunkRunes splits code into windows of at most limit runes, breaking
// on a newline when one falls in the back two thirds of the window.
func chunkRunes(code string, limit int) []string {
	var out []string
	for start := 0; start < len(code); {
		end := start
		runes := 0
		nlEnd := -1 // byte index just past the last newline in the window
		nlRunes := 0
		for end < len(code) && runes < limit {
			r, size := utf8.DecodeRuneInString(code[end:])
			if r == '\n' {
				nlEnd = end + size
				nlRunes = runes + 1
			}
			runes++
			end += size
		}
		if end < len(code) && nlEnd >= 0 && nlRunes >= limit/3 {
			end = nlEnd
		}
		out = append(out, strings.TrimRight(code[start:end], "\n"))
		start = end
		for start < len(code) && code[start] == '\n' {
			start++
		}
	}
	return out
}

// Build produces the ready-to-send Message.
func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	return Message{
		Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"),
		Opt:  opt,
		More: b.more,
	}
}
