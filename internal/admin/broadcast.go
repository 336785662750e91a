package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/delivery"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/router"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
	"dispatchbot/pkg/tgui"
)

const (
	adhocName      = "adhoc"
	excerptRunes   = 200
	finalEditLimit = 10 * time.Second
)

func (a *Admin) cmdBroadcast(ctx context.Context, req *router.Request) error {
	if err := a.states.Enter(ctx, req.FromID, fsm.AwaitingBroadcastContent, nil); err != nil {
		return err
	}
	return a.say(ctx, req, "Send the message to broadcast (text or a photo with caption), or /cancel.")
}

// onBroadcastContent launches the fan-out of whatever the admin sent.
func (a *Admin) onBroadcastContent(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	out := template.Outbound{Text: template.EscapeMarkup(strings.TrimSpace(req.Text))}
	if msg.PhotoID != "" {
		out.Media = &transport.Media{FileID: msg.PhotoID}
	}
	if out.IsNoop() {
		return apperr.Validation("admin.broadcast", "Send text or a photo to broadcast, or /cancel.")
	}

	n, err := a.store.CountActive(ctx)
	if err != nil {
		return err
	}
	status, err := a.reply(ctx, req, progressMessage(adhocName, delivery.Progress{Total: n}, ""))
	if err != nil {
		return err
	}
	if _, err := a.launch(ctx, req, adhocName, []template.Outbound{out}, status); err != nil {
		return err
	}
	return a.states.Clear(ctx, req.FromID)
}

func (a *Admin) cmdTemplates(ctx context.Context, req *router.Request) error {
	names := a.templates.Names()
	b := tgui.New().Title("🗂", "Templates")
	if len(names) == 0 {
		b.Line("No templates configured.")
		_, err := a.reply(ctx, req, b.Build())
		return err
	}
	for _, name := range names {
		msgs, _ := a.templates.Get(name)
		b.RawLine(tgui.JoinH(" ", tgui.Raw("•"), tgui.Code(name), tgui.Esc(template.Excerpt(msgs, 60))))
	}
	b.Blank().Line("Send one with /send <name>.")
	_, err := a.reply(ctx, req, b.Build())
	return err
}

func (a *Admin) cmdSend(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return apperr.Validation("admin.send", "usage: /send <template>")
	}
	name := req.Args[0]
	msgs, ok := a.templates.Get(name)
	if !ok {
		return apperr.Validation("admin.send", fmt.Sprintf("unknown template %q; see /templates", name))
	}
	n, err := a.store.CountActive(ctx)
	if err != nil {
		return err
	}
	if err := a.states.Enter(ctx, req.FromID, fsm.AwaitingSendConfirmation, map[string]string{fsm.KeyTemplate: name}); err != nil {
		return err
	}
	m := tgui.New().
		Title("📣", "Send template "+name+"?").
		KV("Recipients", tgui.Num(n)).
		RawLine(tgui.Quote(template.Excerpt(msgs, excerptRunes))).
		Keyboard(tgui.Confirm("✅ Send", fsm.CallbackConfirm, "✖ Cancel", fsm.CallbackCancel)).
		Build()
	_, err = a.reply(ctx, req, m)
	return err
}

func (a *Admin) onSendDecision(ctx context.Context, req *router.Request) error {
	switch req.Command {
	case fsm.CallbackCancel:
		if err := a.states.Clear(ctx, req.FromID); err != nil {
			return err
		}
		req.AnswerText = "Cancelled"
		a.closePrompt(ctx, req, "Send cancelled.")
		return nil
	case fsm.CallbackConfirm:
	default:
		return apperr.New(apperr.KindStateConflict, "admin.send", "unexpected action "+req.Command)
	}

	name := req.State.Get(fsm.KeyTemplate)
	msgs, ok := a.templates.Get(name)
	if !ok {
		if err := a.states.Clear(ctx, req.FromID); err != nil {
			return err
		}
		return apperr.Validation("admin.send", fmt.Sprintf("template %q no longer exists", name))
	}
	n, err := a.store.CountActive(ctx)
	if err != nil {
		return err
	}

	status, ok := promptRef(req)
	progress := progressMessage(name, delivery.Progress{Total: n}, "")
	if ok {
		if err := progress.Edit(ctx, a.gw, status); err != nil {
			ok = false
		}
	}
	if !ok {
		if status, err = a.reply(ctx, req, progress); err != nil {
			return err
		}
	}
	if _, err := a.launch(ctx, req, name, msgs, status); err != nil {
		return err
	}
	req.AnswerText = "Broadcast started"
	return a.states.Clear(ctx, req.FromID)
}

// launch runs one broadcast pass in the background. The recipient list is
// snapshotted when the pass starts; status is edited with progress and the
// final summary.
func (a *Admin) launch(ctx context.Context, req *router.Request, name string, msgs []template.Outbound, status transport.MessageRef) (string, error) {
	actor := *req
	id, err := a.sched.Go("broadcast_"+name, func(ctx context.Context) error {
		users, err := a.store.ListActive(ctx)
		if err != nil {
			a.finish(ctx, status, name, delivery.Result{Name: name}, err)
			return err
		}
		ids := make([]int64, len(users))
		for i, u := range users {
			ids[i] = u.ID
		}

		res, err := a.del.Broadcast(ctx, name, ids, msgs, func(p delivery.Progress) {
			if eerr := progressMessage(name, p, "").Edit(ctx, a.gw, status); eerr != nil {
				a.log.Debug("progress edit failed", logx.Err(eerr))
			}
		})
		a.finish(ctx, status, name, res, err)
		a.audit(ctx, &actor, "broadcast", name, res.Sent, res.Failed, err, res.Took, map[string]any{
			"run_id": res.ID,
			"total":  res.Total,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	req.Logger.Info("broadcast launched", logx.String("name", name), logx.String("task", id))
	return id, nil
}

func (a *Admin) finish(ctx context.Context, status transport.MessageRef, name string, res delivery.Result, err error) {
	state := "✅ finished in " + res.Took.Round(time.Second).String()
	switch {
	case res.Cancelled:
		state = "⏹ cancelled"
	case err != nil:
		state = "⚠ failed: " + err.Error()
	}
	p := delivery.Progress{Total: res.Total, Done: res.Sent + res.Failed, Sent: res.Sent, Failed: res.Failed}
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalEditLimit)
	defer cancel()
	if eerr := progressMessage(name, p, state).Edit(ectx, a.gw, status); eerr != nil {
		a.log.Warn("final broadcast status edit failed", logx.String("name", name), logx.Err(eerr))
	}
}

// progressMessage renders the status card. An empty state means running.
func progressMessage(name string, p delivery.Progress, state string) tgui.Message {
	if state == "" {
		state = "⏳ running"
		if p.Total > 0 {
			state += fmt.Sprintf(" (%d%%)", p.Done*100/p.Total)
		}
	}
	return tgui.New().
		Title("📣", "Broadcast "+name).
		KV("Sent", humanize.Comma(int64(p.Sent))).
		KV("Failed", humanize.Comma(int64(p.Failed))).
		KV("Total", humanize.Comma(int64(p.Total))).
		Line(state).
		Build()
}
