// Package app wires the components into one process: config, logging,
// storage, dedup, rate limiting, dispatch, alerts, housekeeping and the HTTP
// surface.
package app

import (
	"context"
	"strings"
	"time"

	"postflow/internal/adapters"
	"postflow/internal/alert"
	"postflow/internal/api"
	"postflow/internal/compliance"
	"postflow/internal/config"
	"postflow/internal/dispatch"
	"postflow/internal/eventbus"
	"postflow/internal/fingerprint"
	"postflow/internal/housekeeping"
	"postflow/internal/ingest"
	"postflow/internal/ratelimit"
	"postflow/internal/runtime/supervisor"
	"postflow/internal/status"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	st       *store.Store
	bus      eventbus.Bus
	registry *adapters.Registry

	gateway    *ingest.Gateway
	reporter   *status.Reporter
	dispatcher *dispatch.Dispatcher

	housekeeper *housekeeping.Service // nil when disabled
	apiSrv      *api.Server           // nil when disabled
	alerts      *alert.Watcher        // nil when disabled

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	stCfg, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	window, scope, err := dedupSettings(cfg)
	if err != nil {
		return nil, err
	}
	engine := fingerprint.NewEngine(st, window, scope)

	rlCfg, err := rateConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(rlCfg, st, log.With(logx.String("comp", "ratelimit")))

	checker, enabled, err := complianceChecker(cfg)
	if err != nil {
		return nil, err
	}
	var filter *compliance.Filter
	if enabled {
		filter = compliance.NewFilter(checker, log.With(logx.String("comp", "compliance")))
	}

	registry := adapters.NewRegistry()
	if err := registerAdapters(cfg, registry); err != nil {
		return nil, err
	}

	gateway := ingest.NewGateway(st, engine, filter, bus, log.With(logx.String("comp", "ingest")))
	reporter := status.NewReporter(st)

	dCfg, err := dispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dCfg, st, limiter, registry, bus, log.With(logx.String("comp", "dispatch")))

	a := &App{
		cfgm:       cfgm,
		logs:       logSvc,
		log:        log,
		st:         st,
		bus:        bus,
		registry:   registry,
		gateway:    gateway,
		reporter:   reporter,
		dispatcher: dispatcher,
	}

	if h := cfg.Housekeeping; h != nil && h.Enabled {
		hCfg, err := housekeepingConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.housekeeper = housekeeping.New(hCfg, st, bus, log.With(logx.String("comp", "housekeeping")))
	}

	if al := cfg.Alerts; al != nil && al.Enabled {
		// Alerts share the bot token but post to a separate operator channel.
		timeout, err := config.ParseDurationOrDefault("adapters.telegram.timeout", cfg.Adapters.Telegram.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		notifier := adapters.NewTelegram(adapters.TelegramConfig{
			Token:   cfg.Adapters.Telegram.Token,
			Channel: al.Channel,
			Timeout: timeout,
		})
		a.alerts = alert.NewWatcher(bus, notifier, log.With(logx.String("comp", "alert")))
	} else {
		a.alerts = alert.NewWatcher(bus, nil, log.With(logx.String("comp", "alert")))
	}

	if ac := cfg.API; ac != nil && ac.Enabled {
		apiCfg, err := apiConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.apiSrv = api.NewServer(apiCfg, gateway, reporter, registry, log.With(logx.String("comp", "api")))
	}

	return a, nil
}

// Gateway exposes the submission entry point for in-process producers.
func (a *App) Gateway() *ingest.Gateway { return a.gateway }

// Reporter exposes read-only status queries.
func (a *App) Reporter() *status.Reporter { return a.reporter }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Requeue rows stranded in flight by a previous crash before any worker
	// can claim new work.
	if err := a.dispatcher.Recover(runCtx); err != nil {
		return err
	}
	a.dispatcher.Start(runCtx)

	if a.housekeeper != nil {
		if err := a.housekeeper.Start(); err != nil {
			return err
		}
	}

	a.sup.Go("alert.watch", a.alerts.Run)

	if a.apiSrv != nil {
		a.apiSrv.SetRuntimeStats(a.sup.Counters)
		a.sup.Go("api.serve", a.apiSrv.Run)
	}

	// Config hot reload: logging applies live; everything else logs a notice
	// since queue semantics must not change under in-flight work.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the newest config.
				for coalescing := true; coalescing; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						coalescing = false
					}
				}
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		default:
			a.log.Warn("config section changed; restart required to apply",
				logx.String("section", s))
		}
	}
	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Dispatcher first so no new work is claimed while we drain.
	a.dispatcher.Stop(ctx)
	if a.housekeeper != nil {
		a.housekeeper.Stop()
	}

	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
	}
	if err := a.sup.Wait(wctx); err != nil && err != context.DeadlineExceeded {
		a.log.Warn("shutdown incomplete", logx.Err(err))
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	_ = a.logs.Close()
	a.log.Info("stopped")
	return nil
}
