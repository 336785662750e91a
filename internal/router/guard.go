package router

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dispatchbot/internal/metrics"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

// Sender delivers resolved messages to one chat.
type Sender interface {
	Send(ctx context.Context, to transport.ChatTarget, msgs []template.Outbound) error
}

// Guard inspects an update before routing. Returning stop=true ends
// processing; a non-nil error also stops it.
type Guard interface {
	Name() string
	Check(ctx context.Context, up transport.Update) (stop bool, err error)
}

// Verdict is the outcome of running the chain.
type Verdict struct {
	Stop  bool
	Guard string // guard that stopped the update
}

// Chain runs guards in registration order. The block guard is always first.
type Chain struct {
	guards []Guard
	gw     transport.Gateway
	log    logx.Logger
}

func NewChain(block *BlockGuard, gw transport.Gateway, log logx.Logger, extra ...Guard) *Chain {
	if log.IsZero() {
		log = logx.Nop()
	}
	guards := make([]Guard, 0, len(extra)+1)
	guards = append(guards, block)
	for _, g := range extra {
		if g != nil {
			guards = append(guards, g)
		}
	}
	return &Chain{guards: guards, gw: gw, log: log.With(logx.String("comp", "guard"))}
}

// Guards returns guard names in evaluation order.
func (c *Chain) Guards() []string {
	out := make([]string, 0, len(c.guards))
	for _, g := range c.guards {
		out = append(out, g.Name())
	}
	return out
}

// Evaluate runs every guard until one stops the update. A stopped tap is
// still answered and a stopped pre-checkout query is declined, so the
// client never hangs.
func (c *Chain) Evaluate(ctx context.Context, up transport.Update) Verdict {
	for _, g := range c.guards {
		stop, err := g.Check(ctx, up)
		if err != nil {
			c.log.Error("guard failed; dropping update",
				logx.String("guard", g.Name()),
				logx.Int64("from_id", up.Sender().ID),
				logx.Err(err),
			)
			stop = true
		}
		if stop {
			c.acknowledge(ctx, up)
			return Verdict{Stop: true, Guard: g.Name()}
		}
	}
	return Verdict{}
}

func (c *Chain) acknowledge(ctx context.Context, up transport.Update) {
	if c.gw == nil {
		return
	}
	switch up.Kind {
	case transport.UpdateCallback:
		if up.Callback != nil {
			_ = c.gw.AnswerCallback(ctx, up.Callback.ID, "")
		}
	case transport.UpdatePreCheckout:
		if up.PreCheckout != nil {
			_ = c.gw.AnswerPreCheckout(ctx, up.PreCheckout.ID, false, "Payment is not available.")
		}
	}
}

// BlockGuard stops updates from blocked users and tells them so.
type BlockGuard struct {
	audience storage.Audience
	send     Sender
	notice   []template.Outbound
	metrics  *metrics.Metrics
	log      logx.Logger
}

func NewBlockGuard(audience storage.Audience, send Sender, notice []template.Outbound, m *metrics.Metrics, log logx.Logger) *BlockGuard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &BlockGuard{audience: audience, send: send, notice: notice, metrics: m, log: log}
}

func (g *BlockGuard) Name() string { return "block" }

func (g *BlockGuard) Check(ctx context.Context, up transport.Update) (bool, error) {
	id := up.Sender().ID
	// A successful payment has already moved money; it must be recorded so
	// it stays refundable.
	if id == 0 || up.Kind == transport.UpdatePayment {
		return false, nil
	}
	blocked, err := g.audience.IsBlocked(ctx, id)
	if err != nil {
		return true, err
	}
	if !blocked {
		return false, nil
	}
	g.metrics.Blocked()
	// Pre-checkout queries from blocked users are declined by the chain
	// without a notice.
	if up.Kind == transport.UpdateMessage || up.Kind == transport.UpdateCallback {
		if err := g.send.Send(ctx, up.Chat(), g.notice); err != nil {
			g.log.Warn("block notice failed", logx.Int64("user_id", id), logx.Err(err))
		}
	}
	return true, nil
}

const (
	floodIdleTTL    = 10 * time.Minute
	floodPruneEvery = 1024
)

// FloodGuard drops updates from users exceeding a per-user rate. Admins are
// exempt.
type FloodGuard struct {
	limit   rate.Limit
	burst   int
	admins  map[int64]bool
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	users  map[int64]*floodEntry
	checks int
}

type floodEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewFloodGuard(perSec float64, burst int, admins []int64, m *metrics.Metrics) *FloodGuard {
	if burst <= 0 {
		burst = 1
	}
	g := &FloodGuard{
		limit:   rate.Limit(perSec),
		burst:   burst,
		admins:  make(map[int64]bool, len(admins)),
		metrics: m,
		now:     time.Now,
		users:   map[int64]*floodEntry{},
	}
	for _, id := range admins {
		g.admins[id] = true
	}
	return g
}

func (g *FloodGuard) Name() string { return "flood" }

func (g *FloodGuard) Check(_ context.Context, up transport.Update) (bool, error) {
	// Payment events are never throttled.
	if up.Kind == transport.UpdatePreCheckout || up.Kind == transport.UpdatePayment {
		return false, nil
	}
	id := up.Sender().ID
	if id == 0 || g.admins[id] {
		return false, nil
	}
	now := g.now()

	g.mu.Lock()
	e, ok := g.users[id]
	if !ok {
		e = &floodEntry{lim: rate.NewLimiter(g.limit, g.burst)}
		g.users[id] = e
	}
	e.seen = now
	allowed := e.lim.AllowN(now, 1)
	g.checks++
	if g.checks%floodPruneEvery == 0 {
		for uid, ent := range g.users {
			if now.Sub(ent.seen) > floodIdleTTL {
				delete(g.users, uid)
			}
		}
	}
	g.mu.Unlock()

	if !allowed {
		g.metrics.Flooded()
		return true, nil
	}
	return false, nil
}

// tracked returns how many users currently have a limiter.
func (g *FloodGuard) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}
