package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/control"
	"mediaq/internal/eventbus"
	"mediaq/internal/media"
	"mediaq/internal/notifier"
	rtsup "mediaq/internal/runtime/supervisor"
	"mediaq/internal/scheduler"
	"mediaq/internal/storage"
	"mediaq/internal/workitem"
	logx "mediaq/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg      *workitem.Registry
	sched    *scheduler.Service
	recorder *storage.Recorder
	notif    *notifier.Service
	watcher  *notifier.JobWatcher
	control  *control.Service
}

type options struct {
	workItems []func(*workitem.Registry) error
	runner    media.Runner
	noMedia   bool
}

type Option func(*options)

// WithWorkItems registers extra work items next to the built-in media ones.
func WithWorkItems(fn func(*workitem.Registry) error) Option {
	return func(o *options) { o.workItems = append(o.workItems, fn) }
}

// WithMediaRunner replaces the os/exec runner used by the media operations.
func WithMediaRunner(r media.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithoutMedia skips the built-in media operations.
func WithoutMedia() Option {
	return func(o *options) { o.noMedia = true }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New(eventbus.WithLogger(log.With(logx.String("comp", "eventbus"))))

	stCfg, _ := mapStorageConfig(cfg)
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		bus.Close()
		_ = logs.Close()
		return nil, err
	}

	reg := workitem.NewRegistry()
	if !o.noMedia {
		run := o.runner
		if run == nil {
			run = media.ExecRunner{Log: log.With(logx.String("comp", "media"))}
		}
		tk := media.New(mapMediaConfig(cfg), run, log.With(logx.String("comp", "media")))
		if err := tk.Register(reg); err != nil {
			return fail(err)
		}
	}
	for _, fn := range o.workItems {
		if err := fn(reg); err != nil {
			return fail(err)
		}
	}

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, reg,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
	)

	var recorder *storage.Recorder
	if store != nil {
		recorder = storage.NewRecorder(store, log.With(logx.String("comp", "history")))
	}

	ncfg, _ := mapNotifierConfig(cfg)
	sinks, err := buildSinks(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus, store, sinks...)
	logs.SetForwarder(notif)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		reg:      reg,
		sched:    sched,
		recorder: recorder,
		notif:    notif,
		watcher:  notifier.NewJobWatcher(notif),
	}

	ccfg, _ := mapControlConfig(cfg)
	a.control = control.New(ccfg, control.Deps{
		Scheduler: sched,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "control")),
		Stats: map[string]func() any{
			"notifier": a.notifierStats,
			"history":  a.historyStats,
		},
	}, log.With(logx.String("comp", "control")))
	return a, nil
}

// Scheduler exposes the job scheduler for embedding callers.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// ControlAddr is the bound control address, or "" when the surface is off.
func (a *App) ControlAddr() string { return a.control.Addr() }

// Done is closed when the app's run context ends (Stop or a fatal error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
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

func (a *App) notifierStats() any {
	return struct {
		Enabled bool                   `json:"enabled"`
		Sinks   []string               `json:"sinks"`
		Counts  notifier.Stats         `json:"counts"`
		Recent  []notifier.HistoryItem `json:"recent,omitempty"`
	}{a.notif.Enabled(), a.notif.Sinks(), a.notif.Stats(), lastN(a.notif.History(), 10)}
}

func (a *App) historyStats() any {
	if a.recorder == nil {
		return map[string]any{"enabled": false}
	}
	written, failed := a.recorder.Counts()
	return map[string]any{"enabled": true, "written": written, "failed": failed}
}

func lastN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.recorder != nil {
		a.recorder.Attach(a.bus)
	}
	a.watcher.Attach(a.bus)
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.control.Enabled() {
		a.control.Start(a.sup.Context())
	}

	unsub := a.bus.Subscribe("app.debug", func(e eventbus.Event) {
		// Debug only; job state changes are frequent.
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	})
	a.sup.Go0("eventbus.log", func(c context.Context) {
		<-c.Done()
		unsub()
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Any("kinds", a.reg.Kinds()),
		logx.String("control", a.control.Addr()),
	)
	return nil
}

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
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
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.applyConfig(ctx, newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	if slices.Contains(sections, "history") {
		a.log.Warn("history config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "media") {
		a.log.Warn("media config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(cfg))

	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler config not applied", logx.Err(err))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if sinks, err := buildSinks(cfg); err != nil {
		a.log.Warn("invalid notifier sinks; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.SetSinks(sinks...)
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if cc, err := mapControlConfig(cfg); err != nil {
		a.log.Warn("invalid control config; keeping previous", logx.Err(err))
	} else {
		a.control.Reconfigure(ctx, cc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errs []error
	// step runs fn with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; anything after this is a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Control first so no new jobs arrive while the scheduler drains.
	step("control", 2*time.Second, func(c context.Context) error { a.control.Stop(c); return nil })
	step("scheduler", 5*time.Second, func(c context.Context) error {
		if err := a.sched.Stop(c); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			return err
		}
		return nil
	})
	// Mailboxes are discarded on detach, so the final job events are handled first.
	step("subscribers", 3*time.Second, func(c context.Context) error {
		err := a.bus.Drain(c)
		if a.recorder != nil {
			a.recorder.Detach()
		}
		a.watcher.Detach()
		if err != nil {
			return fmt.Errorf("undelivered job events: %w", err)
		}
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.bus.Close()
	a.log.Info("stopped", logx.String("reason", string(reason)))
	a.logs.SetForwarder(nil)
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
