package tgui

import (
	"context"
	"strings"
	"unicode/utf8"

	"dispatchbot/internal/transport"
)

// Message is rendered HTML plus send options. Text over the Telegram limit
// is split at line boundaries; the overflow goes to More.
type Message struct {
	Text string
	Opt  *transport.SendOptions
	More []string
}

// Send sends the message. The keyboard is only attached to the first part.
func (m Message) Send(ctx context.Context, gw transport.Gateway, to transport.ChatTarget) (transport.MessageRef, error) {
	ref, err := gw.SendText(ctx, to, m.Text, m.opt())
	if err != nil {
		return ref, err
	}
	return ref, m.sendMore(ctx, gw, to)
}

// Edit replaces the text of ref. Overflow parts are sent as new messages.
func (m Message) Edit(ctx context.Context, gw transport.Gateway, ref transport.MessageRef) error {
	if err := gw.EditText(ctx, ref, m.Text, m.opt()); err != nil {
		return err
	}
	return m.sendMore(ctx, gw, transport.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID})
}

func (m Message) opt() *transport.SendOptions {
	if m.Opt == nil {
		return &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	}
	return m.Opt
}

func (m Message) sendMore(ctx context.Context, gw transport.Gateway, to transport.ChatTarget) error {
	if len(m.More) == 0 {
		return nil
	}
	opt := *m.opt()
	opt.Keyboard = nil
	for _, t := range m.More {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if _, err := gw.SendText(ctx, to, t, &opt); err != nil {
			return err
		}
	}
	return nil
}

// Builder assembles an HTML message line by line. Text passed to Line, KV
// and friends is escaped.
type Builder struct {
	kb    *transport.Keyboard
	lines []string
}

func New() *Builder { return &Builder{} }

// Keyboard attaches an inline keyboard to the first part.
func (b *Builder) Keyboard(kb *transport.Keyboard) *Builder {
	b.kb = kb
	return b
}

// Title adds a bold title line with an optional emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
	} else {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

func (b *Builder) Section(title string) *Builder {
	if t := strings.TrimSpace(title); t != "" {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// RawLine appends already-safe HTML.
func (b *Builder) RawLine(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds a "• key: value" row with a bold key.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return b
}

func (b *Builder) Code(s string) *Builder {
	if s = strings.TrimSpace(s); s != "" {
		b.lines = append(b.lines, Code(s).String())
	}
	return b
}

// Build joins the lines. Parts never split a line, so tags stay balanced
// as long as each line is balanced.
func (b *Builder) Build() Message {
	const limit = MaxMessageLen - 96

	var (
		parts []string
		cur   strings.Builder
		n     int
	)
	for _, ln := range b.lines {
		ln = TruncRunes(ln, limit)
		l := utf8.RuneCountInString(ln)
		if n > 0 && n+1+l > limit {
			parts = append(parts, strings.Trim(cur.String(), "\n"))
			cur.Reset()
			n = 0
		}
		if n > 0 {
			cur.WriteByte('\n')
			n++
		}
		cur.WriteString(ln)
		n += l
	}
	parts = append(parts, strings.Trim(cur.String(), "\n"))

	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: b.kb}
	return Message{Text: parts[0], Opt: opt, More: parts[1:]}
}
