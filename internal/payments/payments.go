// Package payments answers pre-checkout queries and records successful
// payments so they can be refunded later by charge ID.
package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/config"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

const (
	defaultSuccess = "Payment received, thank you!"
	declineText    = "This item is no longer available."
)

type Sender interface {
	Send(ctx context.Context, to transport.ChatTarget, msgs []template.Outbound) error
}

type Options struct {
	Metrics *metrics.Metrics
	Log     logx.Logger
}

type Service struct {
	res     *template.Resolver
	success map[string][]template.Outbound // by invoice payload
	fallbk  []template.Outbound
	store   storage.Payments
	gw      transport.Gateway
	send    Sender
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

// New resolves the success message of every payment template. A template
// without one gets a default thank-you.
func New(cfg map[string]config.PaymentTemplate, res *template.Resolver, store storage.Payments, gw transport.Gateway, send Sender, opt Options) (*Service, error) {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		res:     res,
		success: make(map[string][]template.Outbound, len(cfg)),
		fallbk:  []template.Outbound{{Text: template.Escape(defaultSuccess)}},
		store:   store,
		gw:      gw,
		send:    send,
		metrics: opt.Metrics,
		log:     log.With(logx.String("comp", "payments")),
		now:     time.Now,
	}
	for key, p := range cfg {
		if len(p.Success) == 0 {
			s.success[p.Payload] = s.fallbk
			continue
		}
		msgs, err := res.Resolve(p.Success)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, "payments.new", fmt.Errorf("payments.%s.success: %w", key, err))
		}
		s.success[p.Payload] = msgs
	}
	return s, nil
}

// HandlePreCheckout accepts the query iff its payload belongs to a
// configured payment template and the amount and currency match it.
func (s *Service) HandlePreCheckout(ctx context.Context, q *transport.PreCheckout) error {
	key, tpl, ok := s.res.PaymentByPayload(q.Payload)
	if !ok {
		s.metrics.Payment("precheckout_declined")
		s.log.Warn("pre-checkout for unknown payload",
			logx.Int64("user_id", q.FromID),
			logx.String("payload", q.Payload),
		)
		return s.gw.AnswerPreCheckout(ctx, q.ID, false, declineText)
	}
	if q.Total != tpl.Price || !strings.EqualFold(q.Currency, currencyOf(tpl)) {
		s.metrics.Payment("precheckout_declined")
		s.log.Warn("pre-checkout amount differs from template",
			logx.String("template", key),
			logx.Int("total", q.Total),
			logx.Int("price", tpl.Price),
			logx.String("currency", q.Currency),
		)
		return s.gw.AnswerPreCheckout(ctx, q.ID, false, declineText)
	}
	s.metrics.Payment("precheckout_ok")
	return s.gw.AnswerPreCheckout(ctx, q.ID, true, "")
}

// HandlePayment records the charge and sends the template's success
// message. A charge reported twice is recorded and acknowledged once.
func (s *Service) HandlePayment(ctx context.Context, p *transport.Payment) error {
	if strings.TrimSpace(p.ChargeID) == "" {
		return apperr.New(apperr.KindValidation, "payments.record", "payment without charge id")
	}
	fresh, err := s.store.RecordPayment(ctx, storage.Payment{
		ChargeID:         p.ChargeID,
		ProviderChargeID: p.ProviderChargeID,
		UserID:           p.FromID,
		Payload:          p.Payload,
		Currency:         p.Currency,
		Total:            p.Total,
		PaidAt:           s.now(),
	})
	if err != nil {
		return fmt.Errorf("record payment %s: %w", p.ChargeID, err)
	}
	if !fresh {
		s.log.Info("duplicate payment ignored", logx.String("charge_id", p.ChargeID))
		return nil
	}
	s.metrics.Payment("paid")

	msgs, ok := s.success[p.Payload]
	if !ok {
		s.log.Warn("payment for unknown payload", logx.String("payload", p.Payload), logx.String("charge_id", p.ChargeID))
		msgs = s.fallbk
	}
	s.log.Info("payment received",
		logx.Int64("user_id", p.FromID),
		logx.String("payload", p.Payload),
		logx.Int("total", p.Total),
		logx.String("currency", p.Currency),
		logx.String("charge_id", p.ChargeID),
	)
	to := transport.ChatTarget{ChatID: p.ChatID}
	if to.ChatID == 0 {
		to.ChatID = p.FromID
	}
	return s.send.Send(ctx, to, msgs)
}

func currencyOf(p config.PaymentTemplate) string {
	if c := strings.TrimSpace(p.Currency); c != "" {
		return c
	}
	return template.DefaultCurrency
}
