// Package app wires the process together: config, logging, storage, the queue
// engine, push delivery, the HTTP server and background maintenance.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/enrich"
	"notifyd/internal/eventbus"
	"notifyd/internal/queue"
	"notifyd/internal/registry"
	"notifyd/internal/server"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	enricher *enrich.Enricher
	engine   *queue.Engine
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	srv      *server.Server

	cron *cron.Cron
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
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

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ecfg, err := mapEnrichConfig(cfg)
	if err != nil {
		return nil, err
	}
	enricher := enrich.New(ecfg, log.With(logx.String("comp", "enrich")))

	engine := queue.New(store, enricher, bus, log.With(logx.String("comp", "queue")))
	reg := registry.New(log.With(logx.String("comp", "registry")))
	disp := dispatch.New(bus, reg, log.With(logx.String("comp", "dispatch")))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	srv := server.New(srvCfg, engine, reg, log.With(logx.String("comp", "server")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		enricher: enricher,
		engine:   engine,
		reg:      reg,
		disp:     disp,
		srv:      srv,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: a config that fails validation never displaces
	// the one currently applied.
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return config.Validate(cfg)
	})

	a.disp.Start()

	serve, err := a.srv.Start()
	if err != nil {
		return err
	}
	a.sup.Go("http.serve", serve)

	if err := a.startSweep(a.cfgm.Get()); err != nil {
		return err
	}

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.log.Info("started", logx.String("addr", a.srv.Addr()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "storage", "server":
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if ecfg, err := mapEnrichConfig(newCfg); err != nil {
				a.log.Warn("invalid enrich config; keeping previous", logx.Err(err))
			} else {
				a.enricher.Apply(ecfg)
			}

			if err := a.restartSweep(newCfg); err != nil {
				a.log.Warn("invalid sweep schedule; keeping previous", logx.Err(err))
			}
		}
	}
}

const defaultSweepSpec = "30 3 * * *"

func (a *App) startSweep(cfg *Config) error {
	spec := defaultSweepSpec
	if cfg.Queue != nil {
		spec = strings.TrimSpace(cfg.Queue.FavoritesSweep)
	}
	if spec == "" {
		a.log.Debug("favorites sweep disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := a.engine.SweepFavorites(ctx)
		if err != nil {
			a.log.Warn("favorites sweep failed", logx.Err(err))
			return
		}
		if removed > 0 {
			a.log.Info("favorites sweep done", logx.Int("removed", removed))
		}
	})
	if err != nil {
		return fmt.Errorf("queue.favorites_sweep: %w", err)
	}
	c.Start()
	a.cron = c
	a.log.Debug("favorites sweep scheduled", logx.String("spec", spec))
	return nil
}

func (a *App) restartSweep(cfg *Config) error {
	if a.cron != nil {
		a.cron.Stop()
		a.cron = nil
	}
	return a.startSweep(cfg)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("cron", time.Second, func(context.Context) error {
		if a.cron != nil {
			<-a.cron.Stop().Done()
			a.cron = nil
		}
		return nil
	})
	step("server", 5*time.Second, func(c context.Context) error { a.srv.Stop(c); return nil })
	step("dispatch", 2*time.Second, func(context.Context) error { a.disp.Stop(); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return nil
}

func mapServerConfig(cfg *Config) (server.Config, error) {
	read, err := parseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	write, err := parseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := parseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 2*time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		DebugPprof:   cfg.Server.DebugPprof,
	}, nil
}

func mapEnrichConfig(cfg *Config) (enrich.Config, error) {
	if cfg.Enrich == nil {
		return enrich.Config{}, nil
	}
	timeout, err := parseDurationField("enrich.timeout", cfg.Enrich.Timeout)
	if err != nil {
		return enrich.Config{}, err
	}
	return enrich.Config{
		Timeout:      timeout,
		MaxBodyBytes: cfg.Enrich.MaxBodyBytes,
		RatePerSec:   cfg.Enrich.RatePerSec,
	}, nil
}
