package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"clipflow/internal/account"
	"clipflow/internal/api"
	"clipflow/internal/collab"
	"clipflow/internal/eventbus"
	"clipflow/internal/orchestrator"
	"clipflow/internal/queue"
	"clipflow/internal/storage"
	"clipflow/internal/task/engine"
	"clipflow/internal/task/scheduler"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	sched    *scheduler.Service
	queue    *queue.Queue
	uploads  *upload.Dispatcher
	accounts *account.Selector
	orch     *orchestrator.Orchestrator
	api      *api.Service

	// generator is false when no generation command is configured; the
	// generate job then stays disabled.
	generator bool
}

// NewApp loads the config and builds every component. Nothing runs until
// Start; one-shot commands can use API directly and Close afterwards.
func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLogConfig(cfg), bus)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.Storage == nil {
		log.Warn("no storage configured; using the memory store (state is lost on exit)")
	} else {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
	}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires the components on top of the opened store. Mapping errors
// cannot happen here after validateMapped, but are still returned.
func (a *App) build(cfg *Config) error {
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	limits, err := mapLimits(cfg)
	if err != nil {
		return err
	}
	tuning, err := mapTuning(cfg)
	if err != nil {
		return err
	}
	platforms, err := mapPlatforms(cfg)
	if err != nil {
		return err
	}
	window, err := parseDurationField("uploads.window", cfg.Uploads.Window)
	if err != nil {
		return err
	}
	errWindow, err := parseDurationField("accounts.error_window", cfg.Accounts.ErrorWindow)
	if err != nil {
		return err
	}
	loc, err := loadLocation("accounts.timezone", cfg.Accounts.Timezone)
	if err != nil {
		return err
	}
	genCmd, err := mapCommand("collaborators.generator", cfg.Collaborators.Generator)
	if err != nil {
		return err
	}
	collabLog := a.log.With(logx.String("comp", "collab"))
	executors, err := mapUploaders(cfg, collabLog)
	if err != nil {
		return err
	}

	a.engine = engine.New(engCfg, a.log)
	a.sched = scheduler.New(schedCfg, a.engine, a.store, scheduler.Options{Bus: a.bus, Log: a.log})
	a.queue = queue.New(a.store, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		Bus:        a.bus,
		Log:        a.log,
	})
	a.uploads = upload.New(a.store, upload.Options{
		Limits:     limits,
		Window:     window,
		MaxRetries: cfg.Uploads.MaxRetries,
		Executors:  executors,
		Bus:        a.bus,
		Log:        a.log,
	})
	a.accounts = account.New(a.store, account.Options{
		Location:       loc,
		ErrorWindow:    errWindow,
		ErrorThreshold: cfg.Accounts.ErrorThreshold,
		Bus:            a.bus,
		Log:            a.log,
	})

	var gen collab.Generator
	if genCmd.Configured() {
		gen = collab.NewProcessGenerator(genCmd, collabLog)
		a.generator = true
	}
	a.orch = orchestrator.New(a.queue, a.uploads, a.accounts, gen, orchestrator.Options{
		Platforms: platforms,
		Tuning:    tuning,
		Bus:       a.bus,
		Log:       a.log,
	})
	a.api = api.New(api.Deps{
		Queue:        a.queue,
		Uploads:      a.uploads,
		Accounts:     a.accounts,
		Scheduler:    a.sched,
		Orchestrator: a.orch,
		Engine:       a.engine,
		Log:          a.log,
	})
	return nil
}

// API is the envelope surface over the wired components.
func (a *App) API() *api.Service { return a.api }

func (a *App) Config() *Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

// jobs maps the orchestrator jobs, keeping the generate job off while no
// generator is configured.
func (a *App) jobs(cfg *Config) orchestrator.Jobs {
	jobs := mapJobs(cfg)
	if !a.generator {
		off := false
		jobs.Generate.Enabled = &off
	}
	return jobs
}

func (a *App) warnMissingCollaborators(cfg *Config) {
	if !a.generator {
		a.log.Warn("collaborators.generator.command is not set; generate job disabled")
	}
	platforms, _ := mapPlatforms(cfg)
	if len(platforms) == 0 {
		platforms = orchestrator.DefaultPlatforms()
	}
	for _, p := range platforms {
		if _, ok := cfg.Collaborators.Uploaders[p.String()]; !ok {
			a.log.Warn("no uploader configured; uploads for this platform will fail", logx.String("platform", p.String()))
		}
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.api.SetRuntime(a.sup)
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validateMapped(cfg) })

	cfg := a.cfgm.Get()
	a.warnMissingCollaborators(cfg)

	// Nothing of ours runs yet, so anything still in flight was left by a
	// previous process.
	if _, err := a.orch.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted work: %w", err)
	}

	a.engine.Start(a.sup.Context())

	if _, err := a.orch.RegisterJobs(ctx, a.sched, a.jobs(cfg)); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled; jobs run only on demand")
	}

	// Lifecycle events at debug; log.alert events are the warn+ lines themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if e.Type == eventbus.TypeLogAlert {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("generator", a.generator),
	)
	return nil
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("fields", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if limits, err := mapLimits(newCfg); err != nil {
		a.log.Warn("invalid upload limits; keeping previous", logx.Err(err))
	} else {
		a.uploads.SetLimits(limits)
	}

	if t, err := mapTuning(newCfg); err != nil {
		a.log.Warn("invalid orchestrator tuning; keeping previous", logx.Err(err))
	} else {
		a.orch.Apply(t)
	}

	if ec, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, sc)
	}

	if !reflect.DeepEqual(oldCfg.Orchestrator.Jobs, newCfg.Orchestrator.Jobs) {
		if _, err := a.orch.RegisterJobs(ctx, a.sched, a.jobs(newCfg)); err != nil {
			a.log.Warn("pipeline jobs not updated", logx.Err(err))
		}
	}

	prev, next := oldCfg.Scheduler.Enabled, newCfg.Scheduler.Enabled
	switch {
	case prev && !next:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prev && next:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	// Triggers first, then the workers they feed. The run context stays live
	// until the engine has drained, so in-flight handlers finish and record
	// their outcome; background loops are cancelled last.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// Close releases the store and log sinks of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	a.logs.Close()
	return err
}

