// Package router turns inbound updates into handler calls. The routing table
// is built once from configuration; the middleware chain in front of it
// enforces the block list.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

// PaymentHandler receives payment events. The pre-checkout handler must
// answer the query itself.
type PaymentHandler interface {
	HandlePreCheckout(ctx context.Context, q *transport.PreCheckout) error
	HandlePayment(ctx context.Context, p *transport.Payment) error
}

type Options struct {
	Admins         []int64
	Audience       storage.Audience
	States         *fsm.Machine
	Send           Sender
	Gateway        transport.Gateway
	Payments       PaymentHandler
	HandlerTimeout time.Duration
	Metrics        *metrics.Metrics
	Log            logx.Logger
}

type Router struct {
	table    *Table
	admins   map[int64]bool
	audience storage.Audience
	states   *fsm.Machine
	send     Sender
	gw       transport.Gateway
	payments PaymentHandler
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time
}

func New(table *Table, opt Options) *Router {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		table:    table,
		admins:   make(map[int64]bool, len(opt.Admins)),
		audience: opt.Audience,
		states:   opt.States,
		send:     opt.Send,
		gw:       opt.Gateway,
		payments: opt.Payments,
		timeout:  opt.HandlerTimeout,
		metrics:  opt.Metrics,
		log:      log.With(logx.String("comp", "router")),
		now:      time.Now,
	}
	for _, id := range opt.Admins {
		r.admins[id] = true
	}
	return r
}

func (r *Router) Table() *Table { return r.table }

func (r *Router) IsAdmin(id int64) bool { return r.admins[id] }

// Dispatch routes one update that already passed the middleware chain.
// handled is false when only a fallback reply was produced.
func (r *Router) Dispatch(ctx context.Context, up transport.Update) (bool, error) {
	switch up.Kind {
	case transport.UpdatePreCheckout:
		return r.routePreCheckout(ctx, up)
	case transport.UpdatePayment:
		if !r.isBlocked(ctx, up.Sender().ID) {
			r.record(ctx, up.Sender())
		}
		return r.routePayment(ctx, up)
	case transport.UpdateMessage, transport.UpdateCallback:
	default:
		return false, nil
	}

	sender := up.Sender()
	r.record(ctx, sender)

	var state fsm.Current
	if r.states != nil && sender.ID != 0 {
		st, err := r.states.Current(ctx, sender.ID)
		if err != nil {
			r.log.Warn("state lookup failed", logx.Int64("user_id", sender.ID), logx.Err(err))
		} else {
			state = st
		}
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    up.Chat(),
		Sender:  sender,
		FromID:  sender.ID,
		State:   state,
		IsAdmin: r.admins[sender.ID],
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", up.Chat().ChatID),
			logx.Int64("from_id", sender.ID),
		),
	}
	if up.Kind == transport.UpdateCallback {
		return r.routeCallback(ctx, req)
	}
	return r.routeMessage(ctx, req)
}

// record upserts the sender before anything is sent so a failed reply never
// loses the audience entry.
func (r *Router) record(ctx context.Context, s transport.Sender) {
	if r.audience == nil || s.ID == 0 {
		return
	}
	u := storage.User{ID: s.ID, Username: s.Username, FirstName: s.FirstName, LastSeen: r.now()}
	if err := r.audience.UpsertUser(ctx, u); err != nil {
		r.log.Warn("record user failed", logx.Int64("user_id", s.ID), logx.Err(err))
	}
}

// isBlocked reports whether id is on the block list. A failed lookup counts
// as blocked.
func (r *Router) isBlocked(ctx context.Context, id int64) bool {
	if r.audience == nil || id == 0 {
		return false
	}
	blocked, err := r.audience.IsBlocked(ctx, id)
	if err != nil {
		r.log.Warn("block lookup failed", logx.Int64("user_id", id), logx.Err(err))
		return true
	}
	return blocked
}

func (r *Router) routeMessage(ctx context.Context, req *Request) (bool, error) {
	msg := req.Update.Message
	if msg == nil {
		return false, nil
	}
	req.Text = msg.Text
	if req.Text == "" {
		req.Text = msg.Caption
	}

	if name, args, isCmd := splitCommand(msg.Text); isCmd {
		req.Command = name
		req.Args = args
		if rule, ok := r.table.Command(name); ok {
			req.Route = "command"
			return true, r.runCommand(ctx, req, rule)
		}
		req.Route = "unknown_command"
		return false, r.reply(ctx, req, r.table.notices.UnknownCommand)
	}

	if req.State.Active() {
		if sh, ok := r.table.State(req.State.Name); ok && sh.OnMessage != nil {
			req.Route = "state"
			req.Command = req.State.Name.String()
			return true, r.run(ctx, req, sh.OnMessage, 0)
		}
	}

	if label := strings.TrimSpace(msg.Text); label != "" {
		if rule, ok := r.table.Button(label); ok {
			req.Route = "reply_button"
			req.Command = rule.Key
			if rule.Link != "" {
				return true, r.run(ctx, req, r.linkHandler(rule.Link), 0)
			}
			return true, r.runRule(ctx, req, rule)
		}
	}

	req.Route = "use_menu"
	return false, r.reply(ctx, req, r.table.notices.UseMenu)
}

func (r *Router) runCommand(ctx context.Context, req *Request, rule *Rule) error {
	if rule.AdminOnly && !req.IsAdmin {
		req.Logger.Info("admin command denied", logx.String("cmd", rule.Key))
		return r.reply(ctx, req, r.table.notices.PermissionDenied)
	}
	if req.State.Active() && !rule.belongsTo(req.State.Name) && r.states != nil {
		if err := r.states.Clear(ctx, req.FromID); err != nil {
			return err
		}
		req.Logger.Debug("state cleared by command",
			logx.String("state", req.State.Name.String()),
			logx.String("cmd", rule.Key),
		)
		req.State = fsm.Current{}
	}
	return r.runRule(ctx, req, rule)
}

func (r *Router) runRule(ctx context.Context, req *Request, rule *Rule) error {
	h := rule.Handle
	if h == nil {
		msgs := rule.Messages
		h = func(ctx context.Context, req *Request) error {
			return r.send.Send(ctx, req.Chat, msgs)
		}
	}
	return r.run(ctx, req, h, rule.Timeout)
}

// linkHandler answers a reply-keyboard press on a link button with the URL.
func (r *Router) linkHandler(url string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		return r.reply(ctx, req, []template.Outbound{{Text: template.Escape(url)}})
	}
}

func (r *Router) routeCallback(ctx context.Context, req *Request) (bool, error) {
	cb := req.Update.Callback
	if cb == nil {
		return false, nil
	}
	data := strings.TrimSpace(cb.Data)
	req.Text = data
	req.Command = data

	// The tap is always answered, even when the handler fails.
	defer func() {
		if r.gw == nil {
			return
		}
		if err := r.gw.AnswerCallback(ctx, cb.ID, req.AnswerText); err != nil {
			req.Logger.Debug("answer callback failed", logx.Err(err))
		}
	}()

	if fsm.IsFlowToken(data) {
		req.Route = "flow"
		if req.State.Active() {
			if sh, ok := r.table.State(req.State.Name); ok && sh.OnCallback != nil {
				return true, r.run(ctx, req, sh.OnCallback, 0)
			}
		}
		req.Logger.Debug("stale flow tap ignored", logx.String("data", data))
		r.metrics.HandlerError(string(apperr.KindStateConflict))
		return false, nil
	}

	if rule, ok := r.table.Button(data); ok {
		req.Route = "inline_button"
		if rule.Link != "" {
			return true, nil
		}
		return true, r.runRule(ctx, req, rule)
	}

	req.Route = "unconfigured"
	return false, r.reply(ctx, req, r.table.notices.Unconfigured)
}

func (r *Router) routePreCheckout(ctx context.Context, up transport.Update) (bool, error) {
	q := up.PreCheckout
	if q == nil {
		return false, nil
	}
	if r.payments == nil {
		if r.gw != nil {
			return false, r.gw.AnswerPreCheckout(ctx, q.ID, false, "Payments are not available.")
		}
		return false, nil
	}
	start := time.Now()
	err := r.payments.HandlePreCheckout(ctx, q)
	r.metrics.Routed("precheckout", time.Since(start))
	return true, err
}

func (r *Router) routePayment(ctx context.Context, up transport.Update) (bool, error) {
	p := up.Payment
	if p == nil || r.payments == nil {
		return false, nil
	}
	start := time.Now()
	err := r.payments.HandlePayment(ctx, p)
	r.metrics.Routed("payment", time.Since(start))
	return true, err
}

func (r *Router) run(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.timeout
	}
	final := Wrap(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	start := time.Now()
	err := final(ctx, req)
	r.metrics.Routed(req.Route, time.Since(start))
	return r.handleErr(ctx, req, err)
}

// handleErr turns user-facing error kinds into replies. Anything else is
// returned to the dispatcher for logging.
func (r *Router) handleErr(ctx context.Context, req *Request, err error) error {
	if err == nil {
		return nil
	}
	kind := apperr.KindOf(err)
	label := string(kind)
	if label == "" {
		label = "internal"
	}
	r.metrics.HandlerError(label)
	switch kind {
	case apperr.KindValidation, apperr.KindPermission, apperr.KindAlreadyProcessed:
		return r.reply(ctx, req, []template.Outbound{{Text: template.Escape(apperr.Message(err))}})
	case apperr.KindStateConflict:
		req.Logger.Debug("state conflict", logx.Err(err))
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Router) reply(ctx context.Context, req *Request, msgs []template.Outbound) error {
	if r.send == nil {
		return nil
	}
	return r.send.Send(ctx, req.Chat, msgs)
}
