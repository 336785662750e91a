package adapter

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dispatchbot/internal/apperr"
	kit "dispatchbot/internal/transport"
)

func messageUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	if p := m.Payment; p != nil {
		return kit.Update{
			Kind: kit.UpdatePayment,
			Payment: &kit.Payment{
				ChatID:           m.Chat.ID,
				FromID:           m.Sender.ID,
				FromUsername:     m.Sender.Username,
				FromFirstName:    m.Sender.FirstName,
				Payload:          p.Payload,
				Currency:         p.Currency,
				Total:            p.Total,
				ChargeID:         p.TelegramChargeID,
				ProviderChargeID: p.ProviderChargeID,
			},
		}, true
	}
	msg := &kit.Message{
		ID:            m.ID,
		ChatID:        m.Chat.ID,
		ThreadID:      m.ThreadID,
		FromID:        m.Sender.ID,
		FromUsername:  m.Sender.Username,
		FromFirstName: m.Sender.FirstName,
		Text:          m.Text,
		Caption:       m.Caption,
	}
	if m.Photo != nil {
		msg.PhotoID = m.Photo.FileID
	}
	if msg.Text == "" && msg.PhotoID == "" {
		return kit.Update{}, false
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}, true
}

func callbackUpdate(cb *tele.Callback) (kit.Update, bool) {
	if cb == nil || cb.Sender == nil {
		return kit.Update{}, false
	}
	c := &kit.Callback{
		ID:            cb.ID,
		FromID:        cb.Sender.ID,
		FromUsername:  cb.Sender.Username,
		FromFirstName: cb.Sender.FirstName,
		Data:          cb.Data,
	}
	if m := cb.Message; m != nil && m.Chat != nil {
		c.ChatID = m.Chat.ID
		c.ThreadID = m.ThreadID
		c.MessageID = m.ID
	} else {
		// Inaccessible message: reply in the private chat.
		c.ChatID = cb.Sender.ID
	}
	return kit.Update{Kind: kit.UpdateCallback, Callback: c}, true
}

func preCheckoutUpdate(q *tele.PreCheckoutQuery) (kit.Update, bool) {
	if q == nil || q.Sender == nil {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind: kit.UpdatePreCheckout,
		PreCheckout: &kit.PreCheckout{
			ID:            q.ID,
			FromID:        q.Sender.ID,
			FromUsername:  q.Sender.Username,
			FromFirstName: q.Sender.FirstName,
			Payload:       q.Payload,
			Currency:      q.Currency,
			Total:         q.Total,
		},
	}, true
}

func markup(kb *kit.Keyboard) *tele.ReplyMarkup {
	if kb == nil || len(kb.Rows) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	switch kb.Kind {
	case kit.KeyboardInline:
		for _, row := range kb.Rows {
			out := make([]tele.InlineButton, 0, len(row))
			for _, b := range row {
				ib := tele.InlineButton{Text: b.Label}
				switch b.Kind {
				case kit.ButtonURL:
					ib.URL = b.URL
				case kit.ButtonPay:
					ib.Pay = true
				default:
					ib.Data = b.Data
				}
				out = append(out, ib)
			}
			rm.InlineKeyboard = append(rm.InlineKeyboard, out)
		}
	default:
		for _, row := range kb.Rows {
			out := make([]tele.ReplyButton, 0, len(row))
			for _, b := range row {
				out = append(out, tele.ReplyButton{Text: b.Label})
			}
			rm.ReplyKeyboard = append(rm.ReplyKeyboard, out)
		}
		rm.ResizeKeyboard = kb.Resize
		rm.OneTimeKeyboard = kb.OneTime
	}
	return rm
}

// classify maps telebot errors onto transport semantics: flood waits carry
// their retry hint and 400/403 answers are permanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return kit.RetryAfter(apperr.Wrap(apperr.KindTransport, op, err), time.Duration(fe.RetryAfter)*time.Second)
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) && fep != nil {
		return kit.RetryAfter(apperr.Wrap(apperr.KindTransport, op, err), time.Duration(fep.RetryAfter)*time.Second)
	}
	wrapped := apperr.Wrap(apperr.KindTransport, op, err)
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == 400 || te.Code == 403) {
		return kit.Permanent(wrapped)
	}
	return wrapped
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func isAlreadyRefunded(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHARGE_ALREADY_REFUNDED")
}
