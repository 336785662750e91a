package app

import (
	"context"
	"fmt"
	"time"

	"dispatchbot/internal/runtime/sdnotify"
	"dispatchbot/pkg/logx"
)

// Stop shuts down in order: update intake, scheduled and ad-hoc
// broadcasts, the adapter, the ops endpoint, the store. Each step is
// bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdnotify.Stopping(a.log)

	// Cancel the run context first so every loop starts unwinding.
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "dispatcher", 4*time.Second, func(c context.Context) error {
		if a.dispDone == nil {
			return nil
		}
		select {
		case <-a.dispDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error {
		if a.sched == nil {
			return nil
		}
		return a.sched.StopAll(c)
	})
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "ops", time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound that never extends the caller's
// deadline. A step that overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && stepCtx.Err() == nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
