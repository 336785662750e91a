// Package template turns configured payloads into outbound messages: escaped
// text, media references, keyboards, payment invoices and pacing.
package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/config"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

// DefaultCurrency is Telegram Stars.
const DefaultCurrency = "XTR"

// Outbound is one normalized message. Delay and TypingDelay are honored by
// the sender, not here.
type Outbound struct {
	Text     string
	Media    *transport.Media
	Keyboard *transport.Keyboard
	Invoice  *transport.Invoice

	Delay       time.Duration
	TypingDelay time.Duration
}

// IsNoop reports whether sending o would produce nothing.
func (o Outbound) IsNoop() bool {
	return o.Invoice == nil && o.Media == nil && strings.TrimSpace(o.Text) == ""
}

// Resolver resolves payloads against the configured payment templates.
type Resolver struct {
	payments  map[string]config.PaymentTemplate
	byPayload map[string]string
	log       logx.Logger
	stat      func(string) (fs.FileInfo, error)
}

func NewResolver(payments map[string]config.PaymentTemplate, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{
		payments:  payments,
		byPayload: make(map[string]string, len(payments)),
		log:       log.With(logx.String("comp", "template")),
		stat:      os.Stat,
	}
	for key, p := range payments {
		r.byPayload[p.Payload] = key
	}
	return r
}

// PaymentByPayload finds the payment template whose invoice payload is
// payload.
func (r *Resolver) PaymentByPayload(payload string) (string, config.PaymentTemplate, bool) {
	key, ok := r.byPayload[payload]
	if !ok {
		return "", config.PaymentTemplate{}, false
	}
	return key, r.payments[key], true
}

// Resolve resolves every message of p in order. Errors are KindConfig.
func (r *Resolver) Resolve(p config.Payload) ([]Outbound, error) {
	out := make([]Outbound, 0, len(p))
	for i, spec := range p {
		o, err := r.ResolveOne(spec)
		if err != nil {
			if len(p) > 1 {
				return nil, apperr.Wrap(apperr.KindConfig, "template.resolve", fmt.Errorf("message %d: %w", i, err))
			}
			return nil, apperr.Wrap(apperr.KindConfig, "template.resolve", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *Resolver) ResolveOne(spec config.MessageSpec) (Outbound, error) {
	o := Outbound{
		Text:        EscapeMarkup(strings.TrimSpace(spec.Text)),
		Delay:       spec.Backup.D(),
		TypingDelay: spec.BackupPrint.D(),
	}

	if len(spec.InlineButtons) > 0 {
		if len(spec.ReplyButtons) > 0 {
			r.log.Warn("message has both inline and reply buttons; using inline")
		}
		kb, pay, err := r.inlineKeyboard(spec.InlineButtons)
		if err != nil {
			return Outbound{}, err
		}
		if pay != "" {
			inv := r.invoice(pay)
			o.Text, o.Invoice = "", &inv
			return o, nil
		}
		o.Keyboard = kb
	} else if len(spec.ReplyButtons) > 0 {
		kb, err := replyKeyboard(spec.ReplyButtons)
		if err != nil {
			return Outbound{}, err
		}
		o.Keyboard = kb
	}

	if img := strings.TrimSpace(spec.Image); img != "" {
		o.Media = r.media(img)
	}
	return o, nil
}

func (r *Resolver) media(ref string) *transport.Media {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return &transport.Media{URL: ref}
	case strings.HasPrefix(ref, "file_id:"):
		return &transport.Media{FileID: strings.TrimPrefix(ref, "file_id:")}
	}
	if _, err := r.stat(ref); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("image not found; sending text only", logx.String("image", ref))
		} else {
			r.log.Warn("image unreadable; sending text only", logx.String("image", ref), logx.Err(err))
		}
		return nil
	}
	return &transport.Media{Path: ref}
}

func replyKeyboard(rows config.ButtonRows) (*transport.Keyboard, error) {
	kb := &transport.Keyboard{Kind: transport.KeyboardReply, Resize: true, OneTime: true}
	for _, row := range rows {
		out := make([]transport.Button, 0, len(row))
		for _, b := range row {
			if b.URL != "" || b.Pay != "" {
				return nil, fmt.Errorf("reply buttons can only be labels")
			}
			label := b.Token
			if b.Text != "" {
				label = b.Text
			}
			out = append(out, transport.Button{Kind: transport.ButtonCallback, Label: label})
		}
		kb.Rows = append(kb.Rows, out)
	}
	return kb, nil
}

// inlineKeyboard builds the keyboard. If any button is a payment trigger its
// template key is returned and the keyboard is discarded.
func (r *Resolver) inlineKeyboard(rows config.ButtonRows) (*transport.Keyboard, string, error) {
	kb := &transport.Keyboard{Kind: transport.KeyboardInline}
	for _, row := range rows {
		out := make([]transport.Button, 0, len(row))
		for _, b := range row {
			switch {
			case b.Pay != "":
				if _, ok := r.payments[b.Pay]; !ok {
					return nil, "", fmt.Errorf("pay button: unknown payment %q", b.Pay)
				}
				return nil, b.Pay, nil
			case b.URL != "":
				out = append(out, transport.Button{Kind: transport.ButtonURL, Label: b.Text, URL: b.URL})
			default:
				if _, ok := r.payments[b.Token]; ok {
					return nil, b.Token, nil
				}
				label := b.Token
				if b.Text != "" {
					label = b.Text
				}
				out = append(out, transport.Button{Kind: transport.ButtonCallback, Label: label, Data: b.Token})
			}
		}
		kb.Rows = append(kb.Rows, out)
	}
	return kb, "", nil
}

func (r *Resolver) invoice(key string) transport.Invoice {
	p := r.payments[key]
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	label := strings.TrimSpace(p.Label)
	if label == "" {
		label = p.Title
	}
	return transport.Invoice{
		Title:         p.Title,
		Description:   EscapeMarkup(p.Description),
		Payload:       p.Payload,
		Currency:      currency,
		Label:         label,
		Amount:        p.Price,
		ProviderToken: p.ProviderToken,
		Keyboard: &transport.Keyboard{
			Kind: transport.KeyboardInline,
			Rows: [][]transport.Button{{{Kind: transport.ButtonPay, Label: label}}},
		},
	}
}

// Set is a compiled collection of named templates.
type Set struct {
	byName map[string][]Outbound
}

// Compile resolves named templates. The first failing template aborts.
func (r *Resolver) Compile(named map[string]config.Payload) (*Set, error) {
	s := &Set{byName: make(map[string][]Outbound, len(named))}
	for name, p := range named {
		msgs, err := r.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("templates.%s: %w", name, err)
		}
		s.byName[name] = msgs
	}
	return s, nil
}

func (s *Set) Get(name string) ([]Outbound, bool) {
	if s == nil {
		return nil, false
	}
	msgs, ok := s.byName[name]
	return msgs, ok
}

func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Excerpt returns a short plain-text preview of msgs.
func Excerpt(msgs []Outbound, limit int) string {
	for _, m := range msgs {
		var text string
		switch {
		case m.Invoice != nil:
			text = "[invoice] " + m.Invoice.Title
		case strings.TrimSpace(m.Text) != "":
			text = Plain(m.Text)
		case m.Media != nil:
			text = "[photo]"
		default:
			continue
		}
		text = strings.Join(strings.Fields(text), " ")
		if r := []rune(text); limit > 0 && len(r) > limit {
			text = string(r[:limit]) + "…"
		}
		return text
	}
	return ""
}
