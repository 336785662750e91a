package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/router"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
	"dispatchbot/pkg/tgui"
)

const refundUsage = "usage: /refund <charge_id> or /refund <user_id> <charge_id>"

// cmdRefund asks for confirmation before reversing a charge. A charge that
// is recorded as refunded is reported without a network call.
func (a *Admin) cmdRefund(ctx context.Context, req *router.Request) error {
	var (
		userID int64
		charge string
	)
	switch len(req.Args) {
	case 1:
		charge = req.Args[0]
	case 2:
		id, err := strconv.ParseInt(req.Args[0], 10, 64)
		if err != nil || id <= 0 {
			return apperr.Validation("admin.refund", refundUsage)
		}
		userID, charge = id, req.Args[1]
	default:
		return apperr.Validation("admin.refund", refundUsage)
	}

	p, err := a.store.GetPayment(ctx, charge)
	switch {
	case err == nil:
		if userID != 0 && userID != p.UserID {
			return apperr.Validation("admin.refund", fmt.Sprintf("charge %s belongs to user %d", charge, p.UserID))
		}
		userID = p.UserID
		if p.Refunded() {
			return apperr.New(apperr.KindAlreadyProcessed, "admin.refund", "This payment was already refunded.")
		}
	case errors.Is(err, storage.ErrNotFound):
		if userID == 0 {
			return apperr.Validation("admin.refund", "unknown charge; "+refundUsage)
		}
	default:
		return err
	}

	if err := a.states.Enter(ctx, req.FromID, fsm.AwaitingRefundConfirmation, map[string]string{
		fsm.KeyCharge: charge,
		fsm.KeyUser:   strconv.FormatInt(userID, 10),
	}); err != nil {
		return err
	}

	b := tgui.New().
		Title("💸", "Refund payment?").
		KV("Charge", charge).
		KV("User", strconv.FormatInt(userID, 10))
	if err == nil {
		b.KV("Amount", fmt.Sprintf("%s %s", tgui.Num(p.Total), p.Currency)).
			KV("Paid", p.PaidAt.UTC().Format(time.RFC3339))
	}
	_, err = a.reply(ctx, req, b.
		Keyboard(tgui.Confirm("✅ Refund", fsm.CallbackConfirm, "✖ Cancel", fsm.CallbackCancel)).
		Build())
	return err
}

// onRefundDecision reverses the charge once. The state is cleared whatever
// the outcome so a repeated tap finds no pending refund.
func (a *Admin) onRefundDecision(ctx context.Context, req *router.Request) error {
	switch req.Command {
	case fsm.CallbackCancel:
		if err := a.states.Clear(ctx, req.FromID); err != nil {
			return err
		}
		req.AnswerText = "Cancelled"
		a.closePrompt(ctx, req, "Refund cancelled.")
		return nil
	case fsm.CallbackConfirm:
	default:
		return apperr.New(apperr.KindStateConflict, "admin.refund", "unexpected action "+req.Command)
	}

	charge := req.State.Get(fsm.KeyCharge)
	userID, perr := strconv.ParseInt(req.State.Get(fsm.KeyUser), 10, 64)
	if charge == "" || perr != nil {
		if err := a.states.Clear(ctx, req.FromID); err != nil {
			return err
		}
		return apperr.New(apperr.KindStateConflict, "admin.refund", "refund state is incomplete")
	}

	start := time.Now()
	rerr := a.gw.ReversePayment(ctx, userID, charge)
	if err := a.states.Clear(ctx, req.FromID); err != nil {
		req.Logger.Warn("refund state clear failed", logx.Err(err))
	}

	var text string
	switch {
	case rerr == nil:
		a.metrics.Payment("refunded")
		a.markRefunded(ctx, charge)
		text = "Refund issued for " + charge + "."
		req.AnswerText = "Refunded"
	case errors.Is(rerr, transport.ErrAlreadyReversed):
		a.markRefunded(ctx, charge)
		text = "This payment was already refunded."
		req.AnswerText = "Already refunded"
	default:
		reason := apperr.Message(rerr)
		if reason == "" {
			reason = rerr.Error()
		}
		text = "Refund failed: " + reason
		req.AnswerText = "Refund failed"
		req.Logger.Warn("refund failed", logx.String("charge_id", charge), logx.Int64("user_id", userID), logx.Err(rerr))
	}

	ok, fail := 1, 0
	if rerr != nil && !errors.Is(rerr, transport.ErrAlreadyReversed) {
		ok, fail = 0, 1
	}
	a.audit(ctx, req, "refund", charge, ok, fail, rerr, time.Since(start), map[string]any{"user_id": userID})

	if _, ok := promptRef(req); ok {
		a.closePrompt(ctx, req, text)
		return nil
	}
	return a.say(ctx, req, text)
}

func (a *Admin) markRefunded(ctx context.Context, charge string) {
	if _, err := a.store.MarkRefunded(ctx, charge, a.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.log.Warn("mark refunded failed", logx.String("charge_id", charge), logx.Err(err))
	}
}
