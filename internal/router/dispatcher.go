package router

import (
	"context"
	"strconv"
	"sync"
	"time"

	"dispatchbot/internal/metrics"
	"dispatchbot/internal/runtime/supervisor"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Dispatcher feeds updates through the chain and the router on a pool of
// workers. Updates are sharded by sender so one user's events are handled
// in arrival order while different users proceed concurrently.
type Dispatcher struct {
	chain   *Chain
	router  *Router
	workers int
	queue   int
	metrics *metrics.Metrics
	log     logx.Logger

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewDispatcher(chain *Chain, r *Router, opt DispatcherOptions) *Dispatcher {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := opt.QueueSize
	if queue <= 0 {
		queue = 256
	}
	return &Dispatcher{
		chain:   chain,
		router:  r,
		workers: workers,
		queue:   queue,
		metrics: opt.Metrics,
		log:     log.With(logx.String("comp", "dispatcher")),
	}
}

// Process handles one update synchronously.
func (d *Dispatcher) Process(ctx context.Context, up transport.Update) {
	d.metrics.Update(string(up.Kind))
	if v := d.chain.Evaluate(ctx, up); v.Stop {
		d.log.Debug("update stopped by guard",
			logx.String("guard", v.Guard),
			logx.String("kind", string(up.Kind)),
			logx.Int64("from_id", up.Sender().ID),
		)
		return
	}
	if _, err := d.router.Dispatch(ctx, up); err != nil {
		d.log.Warn("dispatch failed",
			logx.String("kind", string(up.Kind)),
			logx.Int64("chat_id", up.Chat().ChatID),
			logx.Int64("from_id", up.Sender().ID),
			logx.Err(err),
		)
	}
}

// Supervisor returns the worker pool supervisor while Run is active.
func (d *Dispatcher) Supervisor() *supervisor.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

func shardFor(id int64, n int) int {
	return int(uint64(id) % uint64(n))
}

// Run consumes updates until ctx is done or the channel closes, then lets
// queued updates drain for a short grace period.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan transport.Update) error {
	// Workers outlive ctx so queued updates can drain.
	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(d.log),
		supervisor.WithCancelOnError(false),
	)
	d.mu.Lock()
	d.sup = sup
	d.mu.Unlock()

	per := max(1, d.queue/d.workers)
	shards := make([]chan transport.Update, d.workers)
	for i := range shards {
		shards[i] = make(chan transport.Update, per)
	}

	d.log.Info("dispatcher started", logx.Int("workers", d.workers), logx.Int("shard_cap", per))

	for i := range shards {
		idx := i
		in := shards[i]
		sup.GoRestart("dispatch.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-in:
					if !ok {
						return nil
					}
					d.Process(c, up)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := sup.Wait(wctx); err != nil {
			d.log.Warn("dispatcher drain incomplete", logx.Err(err))
		}
		cancel()
		sup.Cancel()
		d.mu.Lock()
		d.sup = nil
		d.mu.Unlock()
		d.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				d.log.Info("updates channel closed")
				return nil
			}
			select {
			case shards[shardFor(up.Sender().ID, d.workers)] <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
