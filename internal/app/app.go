package app

import (
	"context"
	"fmt"
	"time"

	"wablast/internal/api"
	"wablast/internal/cache"
	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	"wablast/internal/maintenance"
	"wablast/internal/notify"
	"wablast/internal/observability/pprof"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	"wablast/internal/store"
	"wablast/internal/transport"
	"wablast/internal/transport/whatsapp"
	"wablast/pkg/logx"
)

// App owns every service and wires them together. Construction opens the
// store and transport; Start brings the services up in dependency order and
// Stop unwinds them in reverse.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    store.Store
	sessions *session.Manager
	dispatch *dispatch.Service
	maint    *maintenance.Service
	notif    *notify.Service
	api      *api.Server
	pprof    *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	dialer, err := newDialer(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	sessions := session.NewManager(sessCfg, st, dialer, log.With(logx.String("comp", "session")), bus)

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	disp := dispatch.New(dispCfg, st, sessions, log.With(logx.String("comp", "dispatch")), bus)

	if cc, enabled, err := mapCacheConfig(cfg); err != nil {
		st.Close()
		return nil, err
	} else if enabled {
		disp.SetCache(cache.New(cc, log.With(logx.String("comp", "cache"))))
		log.Info("progress cache enabled", logx.String("addr", cc.Addr))
	}

	maintCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	maint := maintenance.New(maintCfg, st, log.With(logx.String("comp", "maintenance")))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	notif, err := notify.New(ncfg, log.With(logx.String("comp", "notify")), bus)
	if err != nil {
		st.Close()
		return nil, err
	}

	handler := api.NewHandler(sessions, disp, log)
	srv := api.NewServer(cfg.API.Addr, handler, log)

	pp := pprof.New(mapDebugConfig(cfg), log)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		sessions: sessions,
		dispatch: disp,
		maint:    maint,
		notif:    notif,
		api:      srv,
		pprof:    pp,
	}, nil
}

func newDialer(cfg *config.Config, log logx.Logger) (transport.Dialer, error) {
	switch cfg.Transport.Driver {
	case "", "whatsmeow":
		return whatsapp.NewDialer(whatsapp.Config{
			StorePath: cfg.Transport.StorePath,
		}, log.With(logx.String("comp", "whatsapp")))
	case "fake":
		log.Warn("using fake transport; messages go nowhere")
		return transport.NewFakeDialer(), nil
	default:
		return nil, fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver)
	}
}

// Done is closed when the app run context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// The mapping helpers parse every duration; a bad field rejects
		// the whole reload.
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSessionConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenanceConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapCacheConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.sessions.Start(a.sup.Context()); err != nil {
		return err
	}
	a.dispatch.Start(a.sup.Context())
	if err := a.maint.Start(); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	a.api.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	// hot reload fan-out: only the live-tunable sections are applied;
	// everything else logs a restart-required warning
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})

	if dispCfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dispCfg)
	}

	a.pprof.Reconfigure(context.Background(), mapDebugConfig(cfg))

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("pprof", 2*time.Second, func(c context.Context) { a.pprof.Stop(c) })
	step("api", 3*time.Second, func(c context.Context) { a.api.Stop(c) })
	step("notify", 2*time.Second, func(c context.Context) { a.notif.Stop() })
	step("maintenance", 2*time.Second, func(c context.Context) { a.maint.Stop(c) })
	step("dispatch", 12*time.Second, func(c context.Context) { a.dispatch.Stop(c) })
	step("sessions", 5*time.Second, func(c context.Context) { a.sessions.Stop(c, 5*time.Second) })

	if err := a.sup.Stop(5 * time.Second); err != nil {
		a.log.Warn("supervisor stop", logx.Err(err))
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}

	a.log.Info("stopped")
	return nil
}
