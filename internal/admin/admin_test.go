package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchbot/internal/config"
	"dispatchbot/internal/delivery"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/router"
	"dispatchbot/internal/scheduler"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/internal/transport/transporttest"
	"dispatchbot/pkg/logx"
)

const adminID = 1

type env struct {
	gw     *transporttest.Gateway
	store  *storage.Memory
	fsm    *fsm.Machine
	sched  *scheduler.Scheduler
	disp   *router.Dispatcher
	passes atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{gw: transporttest.New(), store: storage.NewMemory()}
	e.fsm = fsm.New(e.store)

	cfg := &config.Config{
		Commands:  map[string]config.Payload{"/start": {{Text: "Welcome"}}},
		Templates: map[string]config.Payload{"promo": {{Text: "Spring <b>sale</b>"}}},
	}
	res := template.NewResolver(nil, logx.Nop())
	named, err := res.Compile(cfg.Templates)
	require.NoError(t, err)

	del := delivery.New(e.gw, delivery.Options{RatePerSec: 1000, ProgressEvery: 1})
	e.sched = scheduler.New(context.Background(), func(ctx context.Context, c scheduler.Campaign) error {
		e.passes.Add(1)
		return nil
	}, scheduler.Options{Tick: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.sched.StopAll(ctx)
	})

	catalog := scheduler.NewCatalog()
	trig, err := scheduler.Interval(time.Hour)
	require.NoError(t, err)
	catalog.Set([]scheduler.Definition{{Campaign: scheduler.Campaign{Name: "hourly", Trigger: trig}}})

	a := New(Options{
		Admins:    []int64{adminID},
		Store:     e.store,
		States:    e.fsm,
		Deliverer: del,
		Scheduler: e.sched,
		Catalog:   catalog,
		Templates: named,
	})
	table, err := router.BuildTable(cfg, res, a.Rules(), a.StateHandlers())
	require.NoError(t, err)
	r := router.New(table, router.Options{
		Admins:   []int64{adminID},
		Audience: e.store,
		States:   e.fsm,
		Send:     del,
		Gateway:  e.gw,
	})
	chain := router.NewChain(router.NewBlockGuard(e.store, del, table.Notices().Blocked, nil, logx.Nop()), e.gw, logx.Nop())
	e.disp = router.NewDispatcher(chain, r, router.DispatcherOptions{})
	return e
}

func (e *env) say(from int64, text string) {
	e.disp.Process(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID: from, FromID: from, Text: text,
	}})
}

func (e *env) tap(from int64, msgID int, data string) {
	e.disp.Process(context.Background(), transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: fmt.Sprintf("cb%d", msgID), ChatID: from, FromID: from, MessageID: msgID, Data: data,
	}})
}

func (e *env) seed(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.store.UpsertUser(context.Background(), storage.User{ID: id}))
	}
}

func (e *env) state(t *testing.T, id int64) fsm.Name {
	t.Helper()
	cur, err := e.fsm.Current(context.Background(), id)
	require.NoError(t, err)
	return cur.Name
}

// lastPrompt returns the last message to chat that carried a keyboard.
func (e *env) lastPrompt(t *testing.T, chat int64) transporttest.Call {
	t.Helper()
	calls := e.gw.CallsOf(transporttest.CallText)
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].To.ChatID == chat && calls[i].Keyboard != nil {
			return calls[i]
		}
	}
	t.Fatalf("no prompt sent to %d", chat)
	return transporttest.Call{}
}

func (e *env) lastEdit() string {
	edits := e.gw.CallsOf(transporttest.CallEdit)
	if len(edits) == 0 {
		return ""
	}
	return edits[len(edits)-1].Text
}

func (e *env) lastText(chat int64) string {
	texts := e.gw.Texts(chat)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func TestNonAdminDenied(t *testing.T) {
	e := newEnv(t)
	e.say(5, "/broadcast")
	assert.Equal(t, "You are not allowed to use this command.", e.lastText(5))
	assert.Equal(t, fsm.None, e.state(t, 5))
}

func TestBroadcastFlow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 10, 11, 12)
	e.gw.SetFail(func(chat int64) error {
		if chat == 11 {
			return errors.New("bot was blocked by the user")
		}
		return nil
	})

	e.say(adminID, "/broadcast")
	require.Equal(t, fsm.AwaitingBroadcastContent, e.state(t, adminID))

	e.say(5, "/start")
	require.Equal(t, fsm.AwaitingBroadcastContent, e.state(t, adminID), "other users do not touch the admin's flow")

	e.say(adminID, "Hello <b>all</b> & <script>")
	assert.Equal(t, fsm.None, e.state(t, adminID))

	require.Eventually(t, func() bool {
		return strings.Contains(e.lastEdit(), "finished")
	}, 3*time.Second, 10*time.Millisecond)

	want := "Hello <b>all</b> &amp; &lt;script&gt;"
	assert.Equal(t, []string{want}, e.gw.Texts(10))
	assert.Equal(t, []string{want}, e.gw.Texts(12))
	assert.Empty(t, e.gw.Texts(11))
	assert.Contains(t, e.lastEdit(), "<b>Failed</b>: 1")
	assert.Contains(t, e.lastEdit(), "<b>Total</b>: 5")

	require.Eventually(t, func() bool {
		audit := e.store.Audit()
		return len(audit) > 0 && audit[len(audit)-1].Action == "broadcast"
	}, time.Second, 10*time.Millisecond)
	audit := e.store.Audit()
	assert.Equal(t, 1, audit[len(audit)-1].Fail)
	assert.Equal(t, 4, audit[len(audit)-1].OK)
}

func TestBroadcastCancel(t *testing.T) {
	e := newEnv(t)
	e.say(adminID, "/broadcast")
	e.say(adminID, "/cancel")
	assert.Equal(t, fsm.None, e.state(t, adminID))
	assert.Equal(t, "Cancelled.", e.lastText(adminID))

	e.say(adminID, "/cancel")
	assert.Equal(t, "Nothing to cancel.", e.lastText(adminID))
}

func TestSendTemplateWithConfirmation(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 10, 11)

	e.say(adminID, "/send nope")
	assert.Contains(t, e.lastText(adminID), "unknown template")

	e.say(adminID, "/send promo")
	require.Equal(t, fsm.AwaitingSendConfirmation, e.state(t, adminID))
	prompt := e.lastPrompt(t, adminID)
	assert.Contains(t, prompt.Text, "Recipients</b>: 3")
	assert.Contains(t, prompt.Text, "Spring sale")

	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackConfirm)
	assert.Equal(t, fsm.None, e.state(t, adminID))
	require.Eventually(t, func() bool {
		return strings.Contains(e.lastEdit(), "finished")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Spring <b>sale</b>"}, e.gw.Texts(10))

	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackConfirm)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"Spring <b>sale</b>"}, e.gw.Texts(10), "second tap is stale")
}

func TestSendTemplateCancelled(t *testing.T) {
	e := newEnv(t)
	e.say(adminID, "/send promo")
	prompt := e.lastPrompt(t, adminID)
	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackCancel)
	assert.Equal(t, fsm.None, e.state(t, adminID))
	assert.Equal(t, "Send cancelled.", e.lastEdit())
}

func recordPayment(t *testing.T, e *env, charge string, user int64) {
	t.Helper()
	_, err := e.store.RecordPayment(context.Background(), storage.Payment{
		ChargeID: charge, UserID: user, Payload: "vip", Currency: "XTR", Total: 50, PaidAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestRefundFlow(t *testing.T) {
	e := newEnv(t)
	recordPayment(t, e, "ch_1", 10)

	e.say(adminID, "/refund")
	assert.Contains(t, e.lastText(adminID), "usage: /refund")

	e.say(adminID, "/refund ch_1")
	require.Equal(t, fsm.AwaitingRefundConfirmation, e.state(t, adminID))
	prompt := e.lastPrompt(t, adminID)

	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackConfirm)
	assert.Equal(t, fsm.None, e.state(t, adminID))
	reversals := e.gw.CallsOf(transporttest.CallReverse)
	require.Len(t, reversals, 1)
	assert.Equal(t, int64(10), reversals[0].UserID)
	assert.Equal(t, "Refund issued for ch_1.", e.lastEdit())

	p, err := e.store.GetPayment(context.Background(), "ch_1")
	require.NoError(t, err)
	assert.True(t, p.Refunded())

	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackConfirm)
	e.say(adminID, "/refund ch_1")
	assert.Equal(t, "This payment was already refunded.", e.lastText(adminID))
	assert.Len(t, e.gw.CallsOf(transporttest.CallReverse), 1)
}

func TestRefundAlreadyReversedByPlatform(t *testing.T) {
	e := newEnv(t)
	e.gw.SetReverseErr(transport.ErrAlreadyReversed)

	e.say(adminID, "/refund 10 ch_ext")
	prompt := e.lastPrompt(t, adminID)
	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackConfirm)
	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackConfirm)

	assert.Equal(t, "This payment was already refunded.", e.lastEdit())
	assert.Len(t, e.gw.CallsOf(transporttest.CallReverse), 1)
	answers := e.gw.CallsOf(transporttest.CallAnswer)
	require.Len(t, answers, 2)
	assert.Equal(t, "Already refunded", answers[0].Text)
	assert.Equal(t, "", answers[1].Text)
}

func TestRefundFailureClearsState(t *testing.T) {
	e := newEnv(t)
	recordPayment(t, e, "ch_2", 10)
	e.gw.SetReverseErr(errors.New("telegram: internal error"))

	e.say(adminID, "/refund ch_2")
	prompt := e.lastPrompt(t, adminID)
	e.tap(adminID, prompt.Ref.MessageID, fsm.CallbackConfirm)

	assert.Equal(t, fsm.None, e.state(t, adminID))
	assert.Equal(t, "Refund failed: telegram: internal error", e.lastEdit())
	p, err := e.store.GetPayment(context.Background(), "ch_2")
	require.NoError(t, err)
	assert.False(t, p.Refunded())
}

func TestBlockUnblock(t *testing.T) {
	e := newEnv(t)

	e.say(adminID, "/block abc")
	assert.Equal(t, "usage: /block &lt;user_id&gt;", e.lastText(adminID))
	e.say(adminID, "/block 1")
	assert.Equal(t, "Admins cannot be blocked.", e.lastText(adminID))

	e.say(adminID, "/block 10")
	assert.Equal(t, "User 10 blocked.", e.lastText(adminID))
	e.say(adminID, "/block 10")
	assert.Equal(t, "User 10 is already blocked.", e.lastText(adminID))

	e.say(10, "/start")
	assert.Equal(t, []string{"You have been blocked."}, e.gw.Texts(10))

	e.say(adminID, "/unblock 10")
	assert.Equal(t, "User 10 unblocked.", e.lastText(adminID))
	e.say(10, "/start")
	assert.Equal(t, "Welcome", e.lastText(10))
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 10, 11, 12)
	_, err := e.store.Block(context.Background(), 12)
	require.NoError(t, err)

	e.say(adminID, "/stats")
	out := e.lastText(adminID)
	assert.Contains(t, out, "<b>Active</b>: 3")
	assert.Contains(t, out, "<b>Blocked</b>: 1")
	assert.Contains(t, out, "<b>Total</b>: 4")
}

func TestCampaignCommands(t *testing.T) {
	e := newEnv(t)

	e.say(adminID, "/campaigns")
	assert.Contains(t, e.lastText(adminID), "hourly")
	assert.Contains(t, e.lastText(adminID), "stopped")

	e.say(adminID, "/campaign_start hourly")
	assert.Equal(t, "Campaign hourly started (every 1h0m0s).", e.lastText(adminID))
	assert.True(t, e.sched.Running("hourly"))
	require.Eventually(t, func() bool { return e.passes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	e.say(adminID, "/campaign_start hourly")
	assert.Contains(t, e.lastText(adminID), "already running")

	e.say(adminID, "/campaign_stop hourly")
	assert.Equal(t, "Campaign hourly stopped.", e.lastText(adminID))
	e.say(adminID, "/campaign_stop hourly")
	assert.Contains(t, e.lastText(adminID), "is not running")

	e.say(adminID, "/campaign_start nope")
	assert.Contains(t, e.lastText(adminID), "unknown campaign")
}

func TestTemplatesList(t *testing.T) {
	e := newEnv(t)
	e.say(adminID, "/templates")
	out := e.lastText(adminID)
	assert.Contains(t, out, "<code>promo</code>")
	assert.Contains(t, out, "Spring sale")
}
