// Package app wires the relay together: config, logging, storage, the
// Telegram adapter, the dedup cache, health tracking, the HTTP surface,
// scheduled maintenance, and webhook registration.
package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"relaybot/internal/bot"
	"relaybot/internal/config"
	"relaybot/internal/dedup"
	"relaybot/internal/eventbus"
	"relaybot/internal/health"
	"relaybot/internal/httpapi"
	"relaybot/internal/probe"
	"relaybot/internal/registrar"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/scheduler"
	"relaybot/internal/storage"
	"relaybot/internal/telegram"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	bus     eventbus.Bus
	cache   *dedup.Cache
	tracker *health.Tracker
	tg      *telegram.Adapter
	botSvc  *bot.Service
	httpSrv *httpapi.Server
	sched   *scheduler.Service
	reg     *registrar.Registrar

	sup *supervisor.Supervisor
}

// New loads configuration and constructs every component, but starts
// nothing. Start owns the goroutines.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg.Logging))
	log = log.With(logx.String("svc", "relaybot"))
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
	}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	store, err := storage.Open(storageConfig(cfg.Storage), a.log)
	if err != nil {
		// Persistence is best-effort; a broken store must not stop startup.
		a.log.Warn("storage unavailable, running in-memory only", logx.Err(err))
		store = nil
	}
	a.store = store

	a.bus = eventbus.New()
	a.tracker = health.NewTracker()

	window, _ := cfg.Dedup.WindowDuration()
	retention, _ := cfg.Dedup.RetentionDuration()
	opts := []dedup.Option{}
	if store != nil {
		opts = append(opts, dedup.WithStore(store))
	}
	a.cache = dedup.New(a.log, window, retention, opts...)

	tg, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		SendRatePerSec: cfg.Telegram.SendRate(),
	}, a.log)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.tg = tg

	a.botSvc = bot.New(tg, a.cache, a.bus, a.log)

	if callback := callbackURL(cfg); callback != "" {
		delay, _ := cfg.Registrar.Delay()
		set := func(ctx context.Context) (string, error) {
			return tg.SetWebhook(ctx, callback)
		}
		a.reg = registrar.New(set, a.tracker, a.log, cfg.Registrar.Retries(), delay)
	}

	procTimeout, _ := cfg.Webhook.Timeout()
	rateWindow, _ := cfg.RateLimit.WindowDuration()
	a.httpSrv = httpapi.New(httpapi.Config{
		Listen:         cfg.Server.ListenAddr(),
		WebhookSecret:  cfg.Telegram.Secret(),
		AdminToken:     cfg.Server.AdminToken,
		ProcessTimeout: procTimeout,
		RateWindow:     rateWindow,
		RateMax:        cfg.RateLimit.MaxRequests(),
	}, a.log, a.cache, a.tracker, a.botSvc, a.reg)

	a.sched = scheduler.New(a.log)
	return nil
}

// Start binds the listener, launches the background loops, and kicks off
// webhook registration. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	if strings.TrimSpace(cfg.Server.AdminToken) == "" {
		a.log.Warn("admin_token is empty, cache admin endpoints are unauthenticated")
	}
	if callbackURL(cfg) == "" {
		a.log.Warn("server.public_url not set, skipping webhook registration")
	}

	if err := a.httpSrv.Start(ctx); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	a.sup = supervisor.New(ctx, a.log)

	sweepEvery, _ := cfg.Dedup.SweepInterval()
	a.sched.Every("dedup_sweep", sweepEvery, func(ctx context.Context) {
		if n := a.cache.Sweep(ctx, a.cache.Retention()); n > 0 {
			a.log.Info("dedup sweep", logx.Int("evicted", n))
		}
	})

	probeEvery, _ := cfg.Probe.Interval()
	prober := probe.New(a.probeURL(cfg), a.tracker, a.log)
	a.sched.Every("self_probe", probeEvery, prober.Check)
	a.sched.Start(a.sup.Context())

	if a.store != nil {
		a.sup.Go0("dedup_persist", a.cache.RunPersist)
		a.sup.Go0("send_journal", a.journalLoop)
	}
	// Registration runs only once the listener is bound, so Telegram's
	// verification request has something to hit.
	if a.reg != nil {
		a.sup.Go0("registrar", a.reg.Run)
	}
	a.sup.Go("config_watch", a.cfgMgr.Watch)
	a.sup.Go0("config_apply", a.applyLoop)

	a.log.Info("relaybot started",
		logx.String("listen", a.httpSrv.Addr()),
		logx.Bool("storage", a.store != nil))
	return nil
}

// Addr returns the bound HTTP address ("" before Start).
func (a *App) Addr() string { return a.httpSrv.Addr() }

// Stop shuts everything down in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("shutting down")

	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.sched.Stop(ctx)
	if err := a.httpSrv.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = a.logSvc.Close()
	return firstErr
}

// journalLoop drains send events into the store. Lossy by design: the
// journal is an audit trail, not a ledger.
func (a *App) journalLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := a.store.AppendSend(wctx, storage.SendRecord{
				At:      e.At,
				Kind:    e.Kind,
				Key:     e.Key,
				ChatID:  e.ChatID,
				Outcome: e.Outcome,
				Error:   e.Err,
			})
			cancel()
			if err != nil {
				a.log.Debug("send journal write failed", logx.Err(err))
			}
		}
	}
}

// applyLoop reacts to config reloads. Only hot-swappable settings are
// applied; listen address and token changes need a restart.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(loggingConfig(cfg.Logging))

			window, _ := cfg.Dedup.WindowDuration()
			retention, _ := cfg.Dedup.RetentionDuration()
			a.cache.SetPolicy(window, retention)

			rateWindow, _ := cfg.RateLimit.WindowDuration()
			a.httpSrv.ApplyRateLimits(rateWindow, cfg.RateLimit.MaxRequests())

			a.log.Info("config reloaded")
		}
	}
}

// probeURL resolves the liveness probe target: an explicit override, or
// the local listener's webhook GET endpoint.
func (a *App) probeURL(cfg *config.Config) string {
	if u := strings.TrimSpace(cfg.Probe.URL); u != "" {
		return u
	}
	_, port, err := net.SplitHostPort(a.httpSrv.Addr())
	if err != nil || port == "" {
		port = "3000"
	}
	return "http://127.0.0.1:" + port + "/webhook"
}

func callbackURL(cfg *config.Config) string {
	pub := strings.TrimRight(strings.TrimSpace(cfg.Server.PublicURL), "/")
	if pub == "" {
		return ""
	}
	return pub + "/webhook/" + cfg.Telegram.Secret()
}

func loggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func storageConfig(c *config.StorageConfig) storage.Config {
	if c == nil {
		return storage.Config{}
	}
	busy, _ := c.BusyTimeoutDuration()
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}
}
