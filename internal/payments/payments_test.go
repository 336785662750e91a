package payments

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchbot/internal/config"
	"dispatchbot/internal/delivery"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/internal/transport/transporttest"
	"dispatchbot/pkg/logx"
)

func newService(t *testing.T) (*Service, *transporttest.Gateway, *storage.Memory) {
	t.Helper()
	cfg := map[string]config.PaymentTemplate{
		"vip": {Title: "VIP", Payload: "vip-30", Price: 50, Success: config.Payload{{Text: "Welcome to <b>VIP</b>"}}},
		"tip": {Title: "Tip", Payload: "tip", Price: 5},
	}
	gw := transporttest.New()
	store := storage.NewMemory()
	res := template.NewResolver(cfg, logx.Nop())
	s, err := New(cfg, res, store, gw, delivery.New(gw, delivery.Options{}), Options{})
	require.NoError(t, err)
	return s, gw, store
}

func TestPreCheckout(t *testing.T) {
	tests := []struct {
		name string
		q    transport.PreCheckout
		ok   bool
	}{
		{"known payload", transport.PreCheckout{Payload: "vip-30", Currency: "XTR", Total: 50}, true},
		{"currency case", transport.PreCheckout{Payload: "vip-30", Currency: "xtr", Total: 50}, true},
		{"unknown payload", transport.PreCheckout{Payload: "gone"}, false},
		{"wrong amount", transport.PreCheckout{Payload: "vip-30", Currency: "XTR", Total: 1}, false},
		{"wrong currency", transport.PreCheckout{Payload: "vip-30", Currency: "USD", Total: 50}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, gw, _ := newService(t)
			q := tt.q
			q.ID, q.FromID = "q1", 3
			require.NoError(t, s.HandlePreCheckout(context.Background(), &q))

			calls := gw.CallsOf(transporttest.CallPreCheckout)
			require.Len(t, calls, 1)
			assert.Equal(t, "q1", calls[0].CallbackID)
			assert.Equal(t, tt.ok, calls[0].OK)
			if !tt.ok {
				assert.Equal(t, declineText, calls[0].Text)
			}
		})
	}
}

func TestPreCheckoutMismatchCountsDecline(t *testing.T) {
	cfg := map[string]config.PaymentTemplate{"vip": {Title: "VIP", Payload: "vip-30", Price: 50}}
	gw := transporttest.New()
	m := metrics.New()
	res := template.NewResolver(cfg, logx.Nop())
	s, err := New(cfg, res, storage.NewMemory(), gw, delivery.New(gw, delivery.Options{}), Options{Metrics: m})
	require.NoError(t, err)

	require.NoError(t, s.HandlePreCheckout(context.Background(), &transport.PreCheckout{ID: "q1", Payload: "vip-30", Currency: "USD", Total: 1}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `dispatchbot_payments_total{stage="precheckout_declined"} 1`)
	assert.NotContains(t, rec.Body.String(), `stage="precheckout_ok"`)
}

func TestPaymentRecordedOnce(t *testing.T) {
	s, gw, store := newService(t)
	ctx := context.Background()
	p := &transport.Payment{ChatID: 3, FromID: 3, Payload: "vip-30", Currency: "XTR", Total: 50, ChargeID: "ch_1"}

	require.NoError(t, s.HandlePayment(ctx, p))
	require.NoError(t, s.HandlePayment(ctx, p))

	assert.Equal(t, []string{"Welcome to <b>VIP</b>"}, gw.Texts(3))
	rec, err := store.GetPayment(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.UserID)
	assert.Equal(t, 50, rec.Total)
	assert.False(t, rec.Refunded())
}

func TestPaymentDefaultSuccess(t *testing.T) {
	s, gw, _ := newService(t)
	require.NoError(t, s.HandlePayment(context.Background(), &transport.Payment{FromID: 4, Payload: "tip", Total: 5, ChargeID: "ch_2"}))
	assert.Equal(t, []string{"Payment received, thank you!"}, gw.Texts(4))
}

func TestPaymentWithoutChargeRejected(t *testing.T) {
	s, _, _ := newService(t)
	err := s.HandlePayment(context.Background(), &transport.Payment{FromID: 4, Payload: "tip"})
	require.Error(t, err)
}
