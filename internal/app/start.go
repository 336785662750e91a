package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"dispatchbot/internal/admin"
	"dispatchbot/internal/config"
	"dispatchbot/internal/ops"
	"dispatchbot/internal/payments"
	"dispatchbot/internal/router"
	rtsup "dispatchbot/internal/runtime/supervisor"
	"dispatchbot/internal/runtime/sdnotify"
	"dispatchbot/internal/scheduler"
	"dispatchbot/pkg/logx"
)

// Start builds the runtime components and starts polling. It returns
// configuration errors (routing table, campaigns, ops bind) before any
// update is read.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	admins := a.cfg.Telegram.AdminIDs

	a.sched = scheduler.New(runCtx, a.campaignPass, scheduler.Options{
		Tick:           a.eff.Tick,
		FailureBackoff: a.eff.FailureBackoff,
		Location:       a.eff.Location,
		Log:            a.log,
		Metrics:        a.metrics,
	})
	a.catalog = scheduler.NewCatalog()

	adm := admin.New(admin.Options{
		Admins:    admins,
		Store:     a.store,
		States:    a.states,
		Deliverer: a.del,
		Scheduler: a.sched,
		Catalog:   a.catalog,
		Templates: a.named,
		Metrics:   a.metrics,
		Log:       a.log,
	})
	var pay router.PaymentHandler
	if len(a.cfg.Payments) > 0 {
		svc, err := payments.New(a.cfg.Payments, a.res, a.store, a.adapter, a.del, payments.Options{Metrics: a.metrics, Log: a.log})
		if err != nil {
			return err
		}
		pay = svc
	}

	table, err := router.BuildTable(a.cfg, a.res, adm.Rules(), adm.StateHandlers())
	if err != nil {
		return err
	}
	a.table = table
	r := router.New(table, router.Options{
		Admins:         admins,
		Audience:       a.store,
		States:         a.states,
		Send:           a.del,
		Gateway:        a.adapter,
		Payments:       pay,
		HandlerTimeout: a.eff.HandlerTimeout,
		Metrics:        a.metrics,
		Log:            a.log,
	})

	var extra []router.Guard
	if a.eff.FloodRate > 0 {
		extra = append(extra, router.NewFloodGuard(a.eff.FloodRate, a.eff.FloodBurst, admins, a.metrics))
	}
	chain := router.NewChain(
		router.NewBlockGuard(a.store, a.del, table.Notices().Blocked, a.metrics, a.log),
		a.adapter, a.log, extra...,
	)
	a.disp = router.NewDispatcher(chain, r, router.DispatcherOptions{
		Workers:   a.eff.Workers,
		QueueSize: a.eff.QueueSize,
		Metrics:   a.metrics,
		Log:       a.log,
	})

	if err := a.loadCampaigns(runCtx); err != nil {
		return err
	}

	if a.cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{
			Addr:          a.eff.OpsAddr,
			Token:         a.cfg.Ops.Token,
			Pprof:         a.cfg.Ops.Pprof,
			AllowInsecure: a.cfg.Ops.AllowInsecure,
		}, ops.Sources{
			Audience: a.store,
			Tasks:    a.sched.Snapshot,
			Jobs:     a.del.Jobs,
			Supervisors: map[string]*rtsup.Supervisor{
				"app":        a.sup,
				"scheduler":  a.sched.Supervisor(),
				"dispatcher": a.disp.Supervisor(),
			},
			Metrics: a.metrics,
			Health:  func(context.Context) error { return a.sup.Err() },
		}, a.log)
		if err := a.ops.Start(runCtx); err != nil {
			return err
		}
	}

	a.dispDone = make(chan struct{})
	dispCtx := runCtx
	a.sup.Go("dispatcher", func(context.Context) error {
		defer close(a.dispDone)
		return a.disp.Run(dispCtx, a.updates)
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	a.sup.Go0("menu.publish", func(c context.Context) {
		pctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if _, err := router.PublishMenu(pctx, a.adapter, a.table); err != nil {
			a.log.Warn("command menu publish failed", logx.Err(err))
		}
	})

	if path := strings.TrimSpace(a.cfg.CampaignsFile); path != "" {
		a.sup.Go("campaigns.watch", func(c context.Context) error {
			return config.WatchFile(c, path, a.log.With(logx.String("comp", "campaigns")), func() {
				if err := a.loadCampaigns(c); err != nil {
					a.log.Warn("campaigns reload rejected; keeping previous set", logx.Err(err))
				}
			})
		})
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) { sdnotify.Watchdog(c, a.log) })

	sdnotify.Ready(a.log)
	a.log.Info("app started",
		logx.Int("commands", len(a.table.Commands())),
		logx.Int("admins", len(admins)),
		logx.Int("campaigns", len(a.catalog.List())),
	)
	return nil
}

// loadCampaigns compiles the campaigns file and makes the running set match
// it. A missing file means no campaigns; any other error leaves the running
// set untouched. Reloads are serialized and the catalog only changes once
// the scheduler accepted the new set.
func (a *App) loadCampaigns(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	path := strings.TrimSpace(a.cfg.CampaignsFile)
	if path == "" {
		return nil
	}
	f, err := config.LoadCampaigns(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.log.Warn("campaigns file not found; no campaigns", logx.String("path", path))
		f = &config.CampaignsFile{}
	case err != nil:
		return err
	}
	defs, err := scheduler.Compile(f, a.res, a.named)
	if err != nil {
		return err
	}
	enabled := scheduler.Enabled(defs)
	if err := a.sched.Replace(ctx, enabled); err != nil {
		return err
	}
	a.catalog.Set(defs)
	a.log.Info("campaigns loaded", logx.Int("defined", len(defs)), logx.Int("enabled", len(enabled)))
	return nil
}

// campaignPass delivers one campaign run to the current active audience.
// A pass where every send failed counts as failed so the scheduler backs
// off.
func (a *App) campaignPass(ctx context.Context, c scheduler.Campaign) error {
	users, err := a.store.ListActive(ctx)
	if err != nil {
		return err
	}
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	res, err := a.del.Broadcast(ctx, c.Name, ids, c.Messages, nil)
	if err != nil {
		return err
	}
	if res.Total > 0 && res.Sent == 0 {
		return fmt.Errorf("campaign %s: all %d sends failed", c.Name, res.Total)
	}
	return nil
}
