package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/config"
	"dispatchbot/internal/delivery"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/internal/transport/transporttest"
	"dispatchbot/pkg/logx"
)

const adminID = 1

type harness struct {
	gw     *transporttest.Gateway
	store  *storage.Memory
	fsm    *fsm.Machine
	router *Router
	disp   *Dispatcher
}

func text(s string) config.Payload { return config.Payload{{Text: s}} }

func baseConfig() *config.Config {
	return &config.Config{
		Commands: map[string]config.Payload{
			"/start": text("Welcome"),
			"/help":  text("Help from command"),
		},
		Buttons: map[string]config.Payload{
			"/help":  text("Help from button"),
			"Prices": text("Our prices"),
			"site":   config.Payload{{URL: "https://example.com"}},
		},
	}
}

func newHarness(t *testing.T, cfg *config.Config, builtins []Rule, states []StateHandler, extra ...Guard) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, func(*fsm.Machine) ([]Rule, []StateHandler) { return builtins, states }, extra...)
}

// newHarnessWith lets rules close over the harness state machine.
func newHarnessWith(t *testing.T, cfg *config.Config, build func(m *fsm.Machine) ([]Rule, []StateHandler), extra ...Guard) *harness {
	t.Helper()
	gw := transporttest.New()
	store := storage.NewMemory()
	machine := fsm.New(store)
	builtins, states := build(machine)

	res := template.NewResolver(cfg.Payments, logx.Nop())
	table, err := BuildTable(cfg, res, builtins, states)
	require.NoError(t, err)

	send := delivery.New(gw, delivery.Options{RatePerSec: 1000})
	r := New(table, Options{
		Admins:   []int64{adminID},
		Audience: store,
		States:   machine,
		Send:     send,
		Gateway:  gw,
	})
	chain := NewChain(NewBlockGuard(store, send, table.Notices().Blocked, nil, logx.Nop()), gw, logx.Nop(), extra...)
	return &harness{
		gw:     gw,
		store:  store,
		fsm:    machine,
		router: r,
		disp:   NewDispatcher(chain, r, DispatcherOptions{Workers: 2}),
	}
}

func msgFrom(id int64, s string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: id, FromID: id, Text: s,
	}}
}

func tapFrom(id int64, data string) transport.Update {
	return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: fmt.Sprintf("cb-%d-%s", id, data), ChatID: id, FromID: id, Data: data,
	}}
}

func TestStartRecordsUserAndSendsWelcome(t *testing.T) {
	cfg := &config.Config{Commands: map[string]config.Payload{"/start": text("Welcome")}}
	h := newHarness(t, cfg, nil, nil)
	ctx := context.Background()

	h.disp.Process(ctx, msgFrom(1001, "/start"))

	total, err := h.store.CountTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	sends := h.gw.CallsOf(transporttest.CallText)
	require.Len(t, sends, 1)
	assert.Equal(t, int64(1001), sends[0].To.ChatID)
	assert.Equal(t, "Welcome", sends[0].Text)
	assert.Nil(t, sends[0].Keyboard)
}

func TestUpsertIsIdempotentAcrossEvents(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.disp.Process(ctx, msgFrom(42, "/start"))
		h.disp.Process(ctx, msgFrom(42, "hello"))
	}
	total, err := h.store.CountTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestBlockedSenderGetsOnlyNotice(t *testing.T) {
	ran := false
	builtins := []Rule{{Key: "secret", Handle: func(ctx context.Context, req *Request) error {
		ran = true
		return nil
	}}}
	h := newHarness(t, baseConfig(), builtins, nil)
	ctx := context.Background()
	_, err := h.store.Block(ctx, 7)
	require.NoError(t, err)

	for _, up := range []transport.Update{
		msgFrom(7, "/start"),
		msgFrom(7, "/secret"),
		msgFrom(7, "Prices"),
		tapFrom(7, "Prices"),
	} {
		h.disp.Process(ctx, up)
	}

	assert.False(t, ran)
	assert.Equal(t, []string{
		"You have been blocked.", "You have been blocked.",
		"You have been blocked.", "You have been blocked.",
	}, h.gw.Texts(7))
	assert.Len(t, h.gw.CallsOf(transporttest.CallAnswer), 1, "tap still answered")

	total, err := h.store.CountTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestCommandBeatsButton(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, nil)
	h.disp.Process(context.Background(), msgFrom(5, "/help"))
	assert.Equal(t, []string{"Help from command"}, h.gw.Texts(5))
}

func TestCommandNormalization(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, nil)
	ctx := context.Background()
	h.disp.Process(ctx, msgFrom(5, "/START"))
	h.disp.Process(ctx, msgFrom(5, "/start@dispatch_bot"))
	assert.Equal(t, []string{"Welcome", "Welcome"}, h.gw.Texts(5))
}

func TestButtons(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, nil)
	ctx := context.Background()

	h.disp.Process(ctx, msgFrom(5, "Prices"))
	assert.Equal(t, []string{"Our prices"}, h.gw.Texts(5))

	h.gw.Reset()
	h.disp.Process(ctx, tapFrom(5, "Prices"))
	assert.Equal(t, []string{"Our prices"}, h.gw.Texts(5))
	require.Len(t, h.gw.CallsOf(transporttest.CallAnswer), 1)

	h.gw.Reset()
	h.disp.Process(ctx, tapFrom(5, "site"))
	assert.Empty(t, h.gw.Texts(5), "link buttons only answer the tap")
	assert.Len(t, h.gw.CallsOf(transporttest.CallAnswer), 1)

	h.gw.Reset()
	h.disp.Process(ctx, tapFrom(5, "mystery"))
	assert.Equal(t, []string{"This button is not configured."}, h.gw.Texts(5))
	assert.Len(t, h.gw.CallsOf(transporttest.CallAnswer), 1)
}

func TestFallbacks(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, nil)
	ctx := context.Background()
	h.disp.Process(ctx, msgFrom(5, "/nope"))
	h.disp.Process(ctx, msgFrom(5, "hello there"))
	assert.Equal(t, []string{"Unknown command", "Please use the menu commands"}, h.gw.Texts(5))
}

func TestHelpDefaultsToNotConfigured(t *testing.T) {
	cfg := baseConfig()
	delete(cfg.Commands, "/help")
	h := newHarness(t, cfg, nil, nil)
	h.disp.Process(context.Background(), msgFrom(5, "/help"))
	assert.Equal(t, []string{"/help is not configured."}, h.gw.Texts(5))

	for _, c := range h.router.Table().MenuCommands() {
		assert.NotEqual(t, "help", c.Command)
	}
}

func TestLegacyUnknownMessage(t *testing.T) {
	cfg := baseConfig()
	cfg.UnknownMessage = text("Try /start")
	cfg.Messages.UseMenu = text("Use the keyboard")
	h := newHarness(t, cfg, nil, nil)
	ctx := context.Background()
	h.disp.Process(ctx, msgFrom(5, "/nope"))
	h.disp.Process(ctx, msgFrom(5, "hello"))
	assert.Equal(t, []string{"Try /start", "Use the keyboard"}, h.gw.Texts(5))
}

// broadcastFlow mimics the authoring flow with a recorder instead of a
// real fan-out.
type broadcastFlow struct {
	mu      sync.Mutex
	content []string
}

func (f *broadcastFlow) build(m *fsm.Machine) ([]Rule, []StateHandler) {
	rules := []Rule{
		{Key: "broadcast", AdminOnly: true, Handle: func(ctx context.Context, req *Request) error {
			return m.Enter(ctx, req.FromID, fsm.AwaitingBroadcastContent, nil)
		}},
		{Key: "cancel", AdminOnly: true, Flows: []fsm.Name{fsm.AwaitingBroadcastContent}, Handle: func(ctx context.Context, req *Request) error {
			return m.Clear(ctx, req.FromID)
		}},
	}
	states := []StateHandler{{
		State: fsm.AwaitingBroadcastContent,
		OnMessage: func(ctx context.Context, req *Request) error {
			f.mu.Lock()
			f.content = append(f.content, req.Text)
			f.mu.Unlock()
			return m.Clear(ctx, req.FromID)
		},
	}}
	return rules, states
}

func newFlowHarness(t *testing.T) (*harness, *broadcastFlow) {
	t.Helper()
	f := &broadcastFlow{}
	return newHarnessWith(t, baseConfig(), f.build), f
}

func currentState(t *testing.T, h *harness, id int64) fsm.Name {
	t.Helper()
	cur, err := h.fsm.Current(context.Background(), id)
	require.NoError(t, err)
	return cur.Name
}

func TestBroadcastStateOnlyClearedByOwner(t *testing.T) {
	h, f := newFlowHarness(t)
	ctx := context.Background()

	h.disp.Process(ctx, msgFrom(adminID, "/broadcast"))
	require.Equal(t, fsm.AwaitingBroadcastContent, currentState(t, h, adminID))

	h.disp.Process(ctx, msgFrom(2, "/start"))
	h.disp.Process(ctx, msgFrom(2, "/broadcast"))
	h.disp.Process(ctx, msgFrom(2, "hello"))
	assert.Equal(t, fsm.AwaitingBroadcastContent, currentState(t, h, adminID))
	assert.Equal(t, fsm.None, currentState(t, h, 2))
	assert.Equal(t, []string{"Welcome", "You are not allowed to use this command.", "Please use the menu commands"}, h.gw.Texts(2))

	h.disp.Process(ctx, msgFrom(adminID, "Big news"))
	assert.Equal(t, fsm.None, currentState(t, h, adminID))
	assert.Equal(t, []string{"Big news"}, f.content)
}

func TestFlowCommandKeepsStateOtherCommandClearsIt(t *testing.T) {
	h, f := newFlowHarness(t)
	ctx := context.Background()

	h.disp.Process(ctx, msgFrom(adminID, "/broadcast"))
	h.disp.Process(ctx, msgFrom(adminID, "/cancel"))
	assert.Equal(t, fsm.None, currentState(t, h, adminID))

	h.disp.Process(ctx, msgFrom(adminID, "/broadcast"))
	h.disp.Process(ctx, msgFrom(adminID, "/start"))
	assert.Equal(t, fsm.None, currentState(t, h, adminID))

	h.disp.Process(ctx, msgFrom(adminID, "Prices"))
	assert.Empty(t, f.content)
}

func TestUnknownCommandDoesNotFeedFlow(t *testing.T) {
	h, f := newFlowHarness(t)
	ctx := context.Background()
	h.disp.Process(ctx, msgFrom(adminID, "/broadcast"))
	h.disp.Process(ctx, msgFrom(adminID, "/nope"))
	assert.Empty(t, f.content)
	assert.Equal(t, fsm.AwaitingBroadcastContent, currentState(t, h, adminID))
}

func TestFlowCallbacks(t *testing.T) {
	var got []string
	h := newHarnessWith(t, baseConfig(), func(m *fsm.Machine) ([]Rule, []StateHandler) {
		return nil, []StateHandler{{
			State: fsm.AwaitingRefundConfirmation,
			OnCallback: func(ctx context.Context, req *Request) error {
				got = append(got, req.Command+"/"+req.State.Get(fsm.KeyCharge))
				req.AnswerText = "done"
				return m.Clear(ctx, req.FromID)
			},
		}}
	})
	ctx := context.Background()

	h.disp.Process(ctx, tapFrom(adminID, fsm.CallbackConfirm))
	assert.Empty(t, got, "stale tap ignored")
	assert.Empty(t, h.gw.Texts(adminID))

	require.NoError(t, h.fsm.Enter(ctx, adminID, fsm.AwaitingRefundConfirmation, map[string]string{fsm.KeyCharge: "ch_1"}))
	h.disp.Process(ctx, tapFrom(adminID, fsm.CallbackConfirm))
	h.disp.Process(ctx, tapFrom(adminID, fsm.CallbackConfirm))
	assert.Equal(t, []string{"flow:confirm/ch_1"}, got)

	answers := h.gw.CallsOf(transporttest.CallAnswer)
	require.Len(t, answers, 3)
	assert.Equal(t, "done", answers[1].Text)
}

func TestHandlerErrorsBecomeReplies(t *testing.T) {
	builtins := []Rule{
		{Key: "usage", Handle: func(ctx context.Context, req *Request) error {
			return apperr.Validation("usage", "usage: /usage <id>")
		}},
		{Key: "boom", Handle: func(ctx context.Context, req *Request) error {
			panic("boom")
		}},
	}
	h := newHarness(t, baseConfig(), builtins, nil)
	ctx := context.Background()

	_, err := h.router.Dispatch(ctx, msgFrom(5, "/usage"))
	require.NoError(t, err)
	assert.Equal(t, []string{"usage: /usage &lt;id&gt;"}, h.gw.Texts(5))

	_, err = h.router.Dispatch(ctx, msgFrom(5, "/boom"))
	require.Error(t, err)
}

func TestBuildTableRejects(t *testing.T) {
	res := template.NewResolver(nil, logx.Nop())
	cases := []struct {
		name     string
		cfg      *config.Config
		builtins []Rule
	}{
		{"invalid name", &config.Config{Commands: map[string]config.Payload{"/no-dash": text("x")}}, nil},
		{"too long", &config.Config{Commands: map[string]config.Payload{"/abcdefghijklmnopqrstuvwxyz0123456": text("x")}}, nil},
		{"duplicate after normalization", &config.Config{Commands: map[string]config.Payload{"/Start": text("x"), "start": text("y")}}, nil},
		{"builtin collision", &config.Config{Commands: map[string]config.Payload{"/stats": text("x")}}, []Rule{{Key: "stats"}}},
		{"reserved button", &config.Config{
			Commands: map[string]config.Payload{"/start": text("x")},
			Buttons:  map[string]config.Payload{"flow:confirm": text("x")},
		}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildTable(tc.cfg, res, tc.builtins, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrConfig), "got %v", err)
		})
	}
}

type failingAudience struct {
	*storage.Memory
}

func (failingAudience) IsBlocked(context.Context, int64) (bool, error) {
	return false, errors.New("db down")
}

func TestBlockLookupFailureFailsClosed(t *testing.T) {
	gw := transporttest.New()
	send := delivery.New(gw, delivery.Options{})
	chain := NewChain(NewBlockGuard(failingAudience{storage.NewMemory()}, send, nil, nil, logx.Nop()), gw, logx.Nop())

	v := chain.Evaluate(context.Background(), tapFrom(5, "x"))
	assert.True(t, v.Stop)
	assert.Equal(t, "block", v.Guard)
	assert.Empty(t, gw.CallsOf(transporttest.CallText))
	assert.Len(t, gw.CallsOf(transporttest.CallAnswer), 1)
}

func TestChainOrderBlockFirst(t *testing.T) {
	gw := transporttest.New()
	send := delivery.New(gw, delivery.Options{})
	flood := NewFloodGuard(1, 1, nil, nil)
	chain := NewChain(NewBlockGuard(storage.NewMemory(), send, nil, nil, logx.Nop()), gw, logx.Nop(), flood)
	assert.Equal(t, []string{"block", "flood"}, chain.Guards())
}

func TestFloodGuard(t *testing.T) {
	g := NewFloodGuard(0.001, 2, []int64{adminID}, nil)
	ctx := context.Background()

	for i, want := range []bool{false, false, true} {
		stop, err := g.Check(ctx, msgFrom(9, "x"))
		require.NoError(t, err)
		assert.Equal(t, want, stop, "event %d", i)
	}
	for i := 0; i < 5; i++ {
		stop, _ := g.Check(ctx, msgFrom(adminID, "x"))
		assert.False(t, stop)
	}
	stop, _ := g.Check(ctx, transport.Update{Kind: transport.UpdatePayment, Payment: &transport.Payment{FromID: 9}})
	assert.False(t, stop, "payments are never throttled")
	assert.Equal(t, 1, g.tracked())
}

func TestPreCheckoutDeclinedWithoutPayments(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, nil)
	h.disp.Process(context.Background(), transport.Update{
		Kind:        transport.UpdatePreCheckout,
		PreCheckout: &transport.PreCheckout{ID: "q1", FromID: 5, Payload: "vip"},
	})
	calls := h.gw.CallsOf(transporttest.CallPreCheckout)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].OK)
}

type recordingPayments struct {
	mu       sync.Mutex
	payments []string
}

func (p *recordingPayments) HandlePreCheckout(context.Context, *transport.PreCheckout) error {
	return nil
}

func (p *recordingPayments) HandlePayment(_ context.Context, pay *transport.Payment) error {
	p.mu.Lock()
	p.payments = append(p.payments, pay.ChargeID)
	p.mu.Unlock()
	return nil
}

func TestBlockedSenderPaymentStillRecorded(t *testing.T) {
	h := newHarness(t, baseConfig(), nil, nil)
	pay := &recordingPayments{}
	h.router.payments = pay
	ctx := context.Background()
	_, err := h.store.Block(ctx, 7)
	require.NoError(t, err)

	h.disp.Process(ctx, transport.Update{
		Kind:    transport.UpdatePayment,
		Payment: &transport.Payment{ChatID: 7, FromID: 7, Payload: "vip", ChargeID: "ch_9"},
	})
	h.disp.Process(ctx, transport.Update{
		Kind:        transport.UpdatePreCheckout,
		PreCheckout: &transport.PreCheckout{ID: "q1", FromID: 7, Payload: "vip"},
	})

	pay.mu.Lock()
	assert.Equal(t, []string{"ch_9"}, pay.payments)
	pay.mu.Unlock()
	assert.Empty(t, h.gw.Texts(7), "no block notice for payment events")

	calls := h.gw.CallsOf(transporttest.CallPreCheckout)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].OK, "blocked user cannot start a new payment")

	total, err := h.store.CountTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, total, "blocked payer is not added to the audience")
}

func TestMenuCommandsSkipAdminOnly(t *testing.T) {
	builtins := []Rule{
		{Key: "stats", AdminOnly: true, Description: "Audience stats"},
		{Key: "ping", Description: "Check the bot"},
	}
	h := newHarness(t, baseConfig(), builtins, nil)
	cmds := h.router.Table().MenuCommands()
	assert.Equal(t, []transport.BotCommand{
		{Command: "help", Description: "Help from command"},
		{Command: "ping", Description: "Check the bot"},
		{Command: "start", Description: "Welcome"},
	}, cmds)

	ok, err := PublishMenu(context.Background(), h.gw, h.router.Table())
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, h.gw.CallsOf(transporttest.CallMenu), 1)
}

func TestRunKeepsPerUserOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got = map[int64][]string{}
	)
	builtins := []Rule{{Key: "n", Handle: func(ctx context.Context, req *Request) error {
		mu.Lock()
		got[req.FromID] = append(got[req.FromID], req.Args[0])
		mu.Unlock()
		return nil
	}}}
	h := newHarness(t, baseConfig(), builtins, nil)

	updates := make(chan transport.Update)
	done := make(chan error, 1)
	go func() { done <- h.disp.Run(context.Background(), updates) }()

	var want []string
	for i := 0; i < 30; i++ {
		want = append(want, fmt.Sprint(i))
		updates <- msgFrom(10, fmt.Sprintf("/n %d", i))
		updates <- msgFrom(11, fmt.Sprintf("/n %d", i))
	}
	close(updates)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got[10])
	assert.Equal(t, want, got[11])
}
