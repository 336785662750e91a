// Package admin implements the operator commands: ad-hoc broadcasts,
// template sends, audience stats, block list edits, refunds and campaign
// control. Every command is admin-only.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"dispatchbot/internal/delivery"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/router"
	"dispatchbot/internal/scheduler"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
	"dispatchbot/pkg/tgui"
)

type Options struct {
	Admins    []int64
	Store     storage.Store
	States    *fsm.Machine
	Deliverer *delivery.Deliverer
	Scheduler *scheduler.Scheduler
	Catalog   *scheduler.Catalog
	Templates *template.Set
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type Admin struct {
	admins    map[int64]bool
	store     storage.Store
	states    *fsm.Machine
	del       *delivery.Deliverer
	gw        transport.Gateway
	sched     *scheduler.Scheduler
	catalog   *scheduler.Catalog
	templates *template.Set
	metrics   *metrics.Metrics
	log       logx.Logger
	now       func() time.Time
}

func New(opt Options) *Admin {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Admin{
		admins:    make(map[int64]bool, len(opt.Admins)),
		store:     opt.Store,
		states:    opt.States,
		del:       opt.Deliverer,
		gw:        opt.Deliverer.Gateway(),
		sched:     opt.Scheduler,
		catalog:   opt.Catalog,
		templates: opt.Templates,
		metrics:   opt.Metrics,
		log:       log.With(logx.String("comp", "admin")),
		now:       time.Now,
	}
	if a.catalog == nil {
		a.catalog = scheduler.NewCatalog()
	}
	for _, id := range opt.Admins {
		a.admins[id] = true
	}
	return a
}

var allFlows = []fsm.Name{
	fsm.AwaitingBroadcastContent,
	fsm.AwaitingRefundConfirmation,
	fsm.AwaitingSendConfirmation,
}

// Rules returns the built-in admin commands for the routing table.
func (a *Admin) Rules() []router.Rule {
	rule := func(key, desc string, h router.HandlerFunc) router.Rule {
		return router.Rule{Key: key, Description: desc, Handle: h, AdminOnly: true}
	}
	cancel := rule("cancel", "Cancel the current operation", a.cmdCancel)
	cancel.Flows = allFlows
	return []router.Rule{
		rule("broadcast", "Compose a broadcast to all users", a.cmdBroadcast),
		cancel,
		rule("templates", "List message templates", a.cmdTemplates),
		rule("send", "Send a template to all users", a.cmdSend),
		rule("stats", "Audience statistics", a.cmdStats),
		rule("block", "Block a user", a.cmdBlock),
		rule("unblock", "Unblock a user", a.cmdUnblock),
		rule("refund", "Refund a payment", a.cmdRefund),
		rule("campaigns", "List scheduled campaigns", a.cmdCampaigns),
		rule("campaign_start", "Start a campaign", a.cmdCampaignStart),
		rule("campaign_stop", "Stop a campaign", a.cmdCampaignStop),
	}
}

// StateHandlers returns the handlers of the admin flows.
func (a *Admin) StateHandlers() []router.StateHandler {
	return []router.StateHandler{
		{State: fsm.AwaitingBroadcastContent, OnMessage: a.onBroadcastContent},
		{State: fsm.AwaitingSendConfirmation, OnCallback: a.onSendDecision},
		{State: fsm.AwaitingRefundConfirmation, OnCallback: a.onRefundDecision},
	}
}

func (a *Admin) reply(ctx context.Context, req *router.Request, m tgui.Message) (transport.MessageRef, error) {
	return m.Send(ctx, a.gw, req.Chat)
}

func (a *Admin) say(ctx context.Context, req *router.Request, text string) error {
	_, err := a.reply(ctx, req, tgui.New().Line(text).Build())
	return err
}

// promptRef is the message a flow callback was tapped on.
func promptRef(req *router.Request) (transport.MessageRef, bool) {
	cb := req.Update.Callback
	if cb == nil || cb.MessageID == 0 {
		return transport.MessageRef{}, false
	}
	return transport.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}, true
}

// closePrompt replaces the prompt text and drops its keyboard.
func (a *Admin) closePrompt(ctx context.Context, req *router.Request, text string) {
	ref, ok := promptRef(req)
	if !ok {
		return
	}
	if err := tgui.New().Line(text).Build().Edit(ctx, a.gw, ref); err != nil {
		req.Logger.Debug("prompt edit failed", logx.Err(err))
	}
}

func (a *Admin) audit(ctx context.Context, req *router.Request, action, target string, ok, fail int, err error, took time.Duration, meta map[string]any) {
	e := storage.AuditEntry{
		At:            a.now(),
		ActorID:       req.Sender.ID,
		ActorUsername: req.Sender.Username,
		Action:        action,
		Target:        target,
		OK:            ok,
		Fail:          fail,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, jerr := json.Marshal(meta); jerr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aerr := a.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		a.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (a *Admin) cmdCancel(ctx context.Context, req *router.Request) error {
	if !req.State.Active() {
		return a.say(ctx, req, "Nothing to cancel.")
	}
	if err := a.states.Clear(ctx, req.FromID); err != nil {
		return err
	}
	req.Logger.Info("flow cancelled", logx.String("state", req.State.Name.String()))
	return a.say(ctx, req, "Cancelled.")
}
