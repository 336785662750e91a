// Package transporttest provides an in-memory transport.Gateway that records
// every call. It is meant for tests of packages that talk to the chat platform.
package transporttest

import (
	"context"
	"sync"

	"dispatchbot/internal/transport"
)

type CallKind string

const (
	CallText        CallKind = "text"
	CallPhoto       CallKind = "photo"
	CallAction      CallKind = "action"
	CallEdit        CallKind = "edit"
	CallAnswer      CallKind = "answer"
	CallInvoice     CallKind = "invoice"
	CallReverse     CallKind = "reverse"
	CallPreCheckout CallKind = "precheckout"
	CallMenu        CallKind = "menu"
)

// Call is one recorded gateway invocation.
type Call struct {
	Kind       CallKind
	To         transport.ChatTarget
	Ref        transport.MessageRef
	Text       string
	Media      transport.Media
	Keyboard   *transport.Keyboard
	Action     transport.ChatAction
	CallbackID string
	Invoice    transport.Invoice
	UserID     int64
	ChargeID   string
	OK         bool
	Commands   []transport.BotCommand
}

// Gateway records calls. Failures are injected per chat id through Fail, or
// for refunds through ReverseErr.
type Gateway struct {
	mu     sync.Mutex
	calls  []Call
	nextID int

	// Fail returns a non-nil error to make sends to the given chat fail.
	Fail func(chatID int64) error
	// ReverseErr is returned by ReversePayment when set.
	ReverseErr error
	// OnSend runs after a text/photo/invoice send is recorded.
	OnSend func(c Call)
}

func New() *Gateway { return &Gateway{} }

var _ transport.Gateway = (*Gateway)(nil)
var _ transport.CommandMenuUpdater = (*Gateway)(nil)

func (g *Gateway) record(c Call) (transport.MessageRef, error) {
	g.mu.Lock()
	fail := g.Fail
	g.mu.Unlock()

	if fail != nil && c.To.ChatID != 0 {
		if err := fail(c.To.ChatID); err != nil {
			return transport.MessageRef{}, err
		}
	}

	g.mu.Lock()
	g.nextID++
	ref := transport.MessageRef{ChatID: c.To.ChatID, ThreadID: c.To.ThreadID, MessageID: g.nextID}
	if c.Ref.MessageID == 0 {
		c.Ref = ref
	}
	g.calls = append(g.calls, c)
	onSend := g.OnSend
	g.mu.Unlock()

	if onSend != nil && (c.Kind == CallText || c.Kind == CallPhoto || c.Kind == CallInvoice) {
		onSend(c)
	}
	return ref, nil
}

func keyboardOf(opt *transport.SendOptions) *transport.Keyboard {
	if opt == nil {
		return nil
	}
	return opt.Keyboard
}

func (g *Gateway) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	return g.record(Call{Kind: CallText, To: to, Text: text, Keyboard: keyboardOf(opt)})
}

func (g *Gateway) SendPhoto(ctx context.Context, to transport.ChatTarget, media transport.Media, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	return g.record(Call{Kind: CallPhoto, To: to, Media: media, Text: caption, Keyboard: keyboardOf(opt)})
}

func (g *Gateway) SendChatAction(ctx context.Context, to transport.ChatTarget, action transport.ChatAction) error {
	_, err := g.record(Call{Kind: CallAction, To: to, Action: action})
	return err
}

func (g *Gateway) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Kind: CallEdit, Ref: ref, To: transport.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, Text: text, Keyboard: keyboardOf(opt)})
	g.mu.Unlock()
	return nil
}

func (g *Gateway) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Kind: CallAnswer, CallbackID: callbackID, Text: text})
	g.mu.Unlock()
	return nil
}

func (g *Gateway) SendInvoice(ctx context.Context, to transport.ChatTarget, inv transport.Invoice) (transport.MessageRef, error) {
	return g.record(Call{Kind: CallInvoice, To: to, Invoice: inv, Keyboard: inv.Keyboard})
}

func (g *Gateway) ReversePayment(ctx context.Context, userID int64, chargeID string) error {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Kind: CallReverse, UserID: userID, ChargeID: chargeID})
	err := g.ReverseErr
	g.mu.Unlock()
	return err
}

func (g *Gateway) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Kind: CallPreCheckout, CallbackID: queryID, OK: ok, Text: errMsg})
	g.mu.Unlock()
	return nil
}

func (g *Gateway) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Kind: CallMenu, Commands: append([]transport.BotCommand(nil), cmds...)})
	g.mu.Unlock()
	return nil
}

// SetFail swaps the failure injector under the lock.
func (g *Gateway) SetFail(fn func(chatID int64) error) {
	g.mu.Lock()
	g.Fail = fn
	g.mu.Unlock()
}

// SetReverseErr swaps the refund error under the lock.
func (g *Gateway) SetReverseErr(err error) {
	g.mu.Lock()
	g.ReverseErr = err
	g.mu.Unlock()
}

// Calls returns a copy of every recorded call.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// CallsOf filters recorded calls by kind.
func (g *Gateway) CallsOf(kind CallKind) []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Call
	for _, c := range g.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Texts returns the text of every message (and photo caption) sent to chatID.
func (g *Gateway) Texts(chatID int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, c := range g.calls {
		if (c.Kind == CallText || c.Kind == CallPhoto) && c.To.ChatID == chatID {
			out = append(out, c.Text)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (g *Gateway) Reset() {
	g.mu.Lock()
	g.calls = nil
	g.mu.Unlock()
}
