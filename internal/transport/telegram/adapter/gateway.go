package adapter

import (
	"context"
	"strconv"

	tele "gopkg.in/telebot.v4"

	kit "dispatchbot/internal/transport"
)

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = tele.ParseMode(opt.ParseMode)
		so.DisableWebPagePreview = opt.DisablePreview
		so.ReplyMarkup = markup(opt.Keyboard)
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, parseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := checkCtx(ctx); err != nil {
			return first, err
		}
		so := sendOptions(to, opt)
		// The keyboard goes on the first part only.
		if i > 0 {
			so.ReplyMarkup = nil
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, classify("telegram.send_text", err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, media kit.Media, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := checkCtx(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	photo := &tele.Photo{File: photoFile(media), Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, photo, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, classify("telegram.send_photo", err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func photoFile(m kit.Media) tele.File {
	switch {
	case m.FileID != "":
		return tele.File{FileID: m.FileID}
	case m.URL != "":
		return tele.FromURL(m.URL)
	default:
		return tele.FromDisk(m.Path)
	}
}

func (a *Adapter) SendChatAction(ctx context.Context, to kit.ChatTarget, action kit.ChatAction) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	var err error
	if to.ThreadID != 0 {
		err = a.bot.Notify(&tele.Chat{ID: to.ChatID}, tele.ChatAction(action), to.ThreadID)
	} else {
		err = a.bot.Notify(&tele.Chat{ID: to.ChatID}, tele.ChatAction(action))
	}
	return classify("telegram.chat_action", err)
}

// EditText replaces a message's text. Text beyond one message is sent as
// follow-up messages. "message is not modified" is not an error.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	to := kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, parseMode)

	so := sendOptions(to, opt)
	so.ThreadID = 0
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], so); err != nil && !isNotModified(err) {
		return classify("telegram.edit_text", err)
	}
	for _, chunk := range chunks[1:] {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		so := sendOptions(to, opt)
		so.ReplyMarkup = nil
		if _, err := a.bot.Send(&tele.Chat{ID: ref.ChatID}, chunk, so); err != nil {
			return classify("telegram.edit_text", err)
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	return classify("telegram.answer_callback", err)
}

func (a *Adapter) SendInvoice(ctx context.Context, to kit.ChatTarget, inv kit.Invoice) (kit.MessageRef, error) {
	if err := checkCtx(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	label := inv.Label
	if label == "" {
		label = inv.Title
	}
	ti := &tele.Invoice{
		Title:       inv.Title,
		Description: inv.Description,
		Payload:     inv.Payload,
		Currency:    inv.Currency,
		Token:       inv.ProviderToken,
		Prices:      []tele.Price{{Label: label, Amount: inv.Amount}},
	}
	so := &tele.SendOptions{ThreadID: to.ThreadID, ReplyMarkup: markup(inv.Keyboard)}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, ti, so)
	if err != nil {
		return kit.MessageRef{}, classify("telegram.send_invoice", err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// ReversePayment refunds a Telegram Stars charge.
func (a *Adapter) ReversePayment(ctx context.Context, userID int64, chargeID string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	_, err := a.bot.Raw("refundStarPayment", map[string]string{
		"user_id":                    strconv.FormatInt(userID, 10),
		"telegram_payment_charge_id": chargeID,
	})
	if err != nil {
		if isAlreadyRefunded(err) {
			return kit.ErrAlreadyReversed
		}
		return classify("telegram.refund", err)
	}
	return nil
}

func (a *Adapter) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	q := &tele.PreCheckoutQuery{ID: queryID}
	var err error
	if ok {
		err = a.bot.Accept(q)
	} else {
		if errMsg == "" {
			errMsg = "Payment is not available."
		}
		err = a.bot.Accept(q, errMsg)
	}
	return classify("telegram.answer_precheckout", err)
}
