// Package app wires the bot together: configuration, logging, storage, the
// Telegram adapter, routing, broadcasting, payments and the ops endpoint.
package app

import (
	"context"
	"sync"
	"time"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/config"
	"dispatchbot/internal/delivery"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/ops"
	"dispatchbot/internal/router"
	rtsup "dispatchbot/internal/runtime/supervisor"
	"dispatchbot/internal/scheduler"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	telegram "dispatchbot/internal/transport/telegram/adapter"
	"dispatchbot/pkg/logx"
)

type Options struct {
	ConfigPath string
	// EnvFiles are loaded into the environment before overrides are read.
	// Missing files are ignored.
	EnvFiles []string
}

type App struct {
	cfg *config.Config
	eff config.Effective

	log  logx.Logger
	logs *logx.Service

	metrics *metrics.Metrics
	adapter *telegram.Adapter
	store   storage.Store
	res     *template.Resolver
	named   *template.Set
	del     *delivery.Deliverer
	states  *fsm.Machine

	// Built by Start.
	sup      *rtsup.Supervisor
	sched    *scheduler.Scheduler
	catalog  *scheduler.Catalog
	table    *router.Table
	disp     *router.Dispatcher
	dispDone chan struct{}
	ops      *ops.Server

	updates chan transport.Update

	// reloadMu serializes campaign reloads.
	reloadMu sync.Mutex
}

// New loads the configuration and opens the adapter and the store. Nothing
// runs until Start.
func New(opt Options) (*App, error) {
	cfg, err := config.Load(opt.ConfigPath, opt.EnvFiles...)
	if err != nil {
		return nil, err
	}
	eff, err := cfg.Effective()
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: eff.PollTimeout,
	}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}

	// The Telegram sink needs its target before it is enabled.
	logCfg := logConfig(cfg)
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, ad)
	logSvc.SetTelegramTarget(cfg.Telegram.LogChat, cfg.Telegram.LogThread)
	logSvc.Apply(logConfig(cfg))

	m := metrics.New()

	octx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := storage.Open(octx, storage.Config{
		Driver:      eff.StorageDriver,
		Path:        eff.StoragePath,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: eff.BusyTimeout,
	}, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	res := template.NewResolver(cfg.Payments, log.With(logx.String("comp", "template")))
	named, err := res.Compile(cfg.Templates)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, apperr.Wrap(apperr.KindConfig, "app.templates", err)
	}

	del := delivery.New(ad, delivery.Options{
		RatePerSec:    eff.RatePerSec,
		Pacing:        eff.Pacing,
		ProgressEvery: eff.ProgressEvery,
		Retries:       2,
		Metrics:       m,
		Log:           log,
	})

	return &App{
		cfg:     cfg,
		eff:     eff,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		metrics: m,
		adapter: ad,
		store:   store,
		res:     res,
		named:   named,
		del:     del,
		states:  fsm.New(store),
		updates: make(chan transport.Update, eff.QueueSize),
	}, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
