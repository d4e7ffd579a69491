// Package app wires configuration, logging, engines, storage, the scheduler,
// features and observability into one running bot.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/engine"
	"relaybot/internal/eventbus"
	"relaybot/internal/feature"
	"relaybot/internal/feature/command"
	"relaybot/internal/feature/cron"
	"relaybot/internal/feature/echo"
	"relaybot/internal/feature/help"
	"relaybot/internal/feature/outbound"
	"relaybot/internal/message"
	"relaybot/internal/observability"
	"relaybot/internal/pipeline"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	logx "relaybot/pkg/logx"
)

const (
	pipelineTimeout = time.Minute
	statsJob        = "runtime.stats"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	in  io.Reader
	out io.Writer

	bus      *eventbus.Bus
	engines  *engine.Registry
	kv       *storage.Service
	sched    *scheduler.Service
	features *feature.Manager
	outbound *outbound.Feature
	cron     *cron.Feature

	metrics *observability.Metrics
	obs     *observability.Server

	pipe      *pipeline.Pipeline[message.Message]
	jobs      *pipeline.Tracker
	jobCtx    context.Context
	jobCancel context.CancelFunc
}

type Option func(*App)

// WithConsoleIO replaces stdin/stdout for the console engine.
func WithConsoleIO(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// WithEnviron replaces os.Environ as the source of RELAYBOT_* overrides.
func WithEnviron(environ map[string]string) Option {
	return func(a *App) { a.cfgm.SetEnviron(environ) }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{
		cfgm: config.NewConfigManager(cfgPath),
		in:   os.Stdin,
		out:  os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Engines are built after logging, so the chat sink is wired late.
	logSvc, log := logx.New(logConfig(cfg), nil)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	engines, err := buildEngines(cfg, a.in, a.out, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	logSvc.SetChatSender(engines)
	a.engines = engines

	a.bus = eventbus.New()

	sc, storeTimeout, err := storageSettings(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a.kv = storage.NewService(st, log.With(logx.String("comp", "storage")), storeTimeout)
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		_ = a.kv.Close()
		logSvc.Close()
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), a.bus)

	a.cron = cron.New()
	a.metrics = observability.NewMetrics(a.cron.ActiveCount)
	a.obs = observability.NewServer(observabilityConfig(cfg), a.metrics, a.health, log.With(logx.String("comp", "observability")))
	a.obs.SetSchedules(a.sched.Snapshot)

	plog := log.With(logx.String("comp", "pipeline"))
	a.pipe = pipeline.New(pipeline.Chain[message.Message](a.publish,
		pipeline.WithRecover[message.Message](plog),
		a.observeJob,
		pipeline.WithLog[message.Message](plog, describe),
		pipeline.WithTimeout[message.Message](pipelineTimeout),
	))
	a.jobs = pipeline.NewTracker(func(j *pipeline.Job, err error) {
		plog.Debug("pipeline job failed", logx.String("job", j.ID()), logx.Err(err))
	})

	a.outbound = outbound.New(outbound.Options{
		RatePerSec: cfg.Outbound.RatePerSec,
		Burst:      cfg.Outbound.Burst,
		Loopback:   true,
		Session:    session(cfg),
	})
	a.features = feature.NewManager(log.With(logx.String("comp", "features")), feature.Deps{
		Log:       log,
		Bus:       a.bus,
		Store:     a.kv,
		Scheduler: a.sched,
		Engines:   a.engines,
		Inject:    a.handle,
	})
	if err := a.features.Register(command.New(), a.cron, echo.New(), help.New(), a.outbound); err != nil {
		_ = a.kv.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func describe(m message.Message) []logx.Field {
	return []logx.Field{
		logx.String("engine", m.EngineID),
		logx.String("channel", m.ChannelID),
		logx.String("sender", m.Sender.ID),
		logx.Bool("mention", m.IsMention()),
	}
}

// publish is the pipeline's terminal interceptor.
func (a *App) publish(ctx context.Context, m message.Message) error {
	return a.bus.Publish(ctx, eventbus.MessageReceived{Message: m})
}

func (a *App) observeJob(next pipeline.Interceptor[message.Message]) pipeline.Interceptor[message.Message] {
	return func(ctx context.Context, m message.Message) error {
		start := time.Now()
		err := next(ctx, m)
		a.metrics.ObserveJob(time.Since(start), err)
		return err
	}
}

// handle is the engine handler and the features' Inject hook. It never
// blocks on the pipeline.
func (a *App) handle(_ context.Context, m message.Message) {
	a.metrics.ObserveMessage(m.EngineID, m.IsMention())
	a.jobs.Track(a.pipe.Execute(a.jobCtx, m))
}

// featureConfig enables every registered feature when the section is absent.
func (a *App) featureConfig(cfg *config.Config) map[string]config.FeatureConfigRaw {
	if cfg.Features != nil {
		return cfg.Features
	}
	out := map[string]config.FeatureConfigRaw{}
	for _, s := range a.features.Snapshot() {
		out[s.ID] = config.FeatureConfigRaw{Enabled: true}
	}
	return out
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, _, err := storageSettings(cfg); err != nil {
		return err
	}
	if _, err := schedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := statsSchedule(cfg); err != nil {
		return err
	}
	known := make([]string, 0, 8)
	for _, s := range a.features.Snapshot() {
		known = append(known, s.ID)
	}
	for id := range cfg.Features {
		if !slices.Contains(known, id) {
			return fmt.Errorf("features: unknown feature %q", id)
		}
	}
	return nil
}

func (a *App) health(context.Context) map[string]string {
	problems := map[string]string{}
	for _, s := range a.features.Snapshot() {
		if s.LastErr != "" {
			problems["feature."+s.ID] = s.LastErr
		}
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			problems["app"] = err.Error()
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// Features exposes the feature manager for status queries.
func (a *App) Features() *feature.Manager { return a.features }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// Pipeline jobs outlive the run context so shutdown can drain them.
	a.jobCtx, a.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)
	cfg := a.cfgm.Get()

	sigs, untap := a.bus.Tap(256)
	a.sup.Go0("metrics.consume", func(c context.Context) {
		defer untap()
		a.metrics.Consume(c, sigs)
	})

	a.sched.Start(runCtx)
	a.scheduleStats(cfg)

	if err := a.features.StartAll(runCtx, a.featureConfig(cfg)); err != nil {
		a.log.Warn("some features failed to start", logx.Err(err))
	}

	if err := a.engines.StartAll(runCtx, a.handle); err != nil {
		return err
	}

	a.obs.Reconfigure(runCtx, observabilityConfig(cfg))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
		logx.Int("engines", len(a.engines.All())),
		logx.String("default_engine", string(a.engines.Default())),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, featuresChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "storage", "engines", "bot":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(logConfig(next))

	if sc, err := schedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if prev.Scheduler.StatsEvery != next.Scheduler.StatsEvery {
		a.scheduleStats(next)
	}

	a.outbound.SetRate(next.Outbound.RatePerSec, next.Outbound.Burst)
	a.obs.Reconfigure(ctx, observabilityConfig(next))

	if len(featuresChanged) > 0 || (prev.Features == nil) != (next.Features == nil) {
		if err := a.features.Apply(ctx, a.featureConfig(next)); err != nil {
			a.log.Warn("feature reconfigure failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// scheduleStats registers (or replaces) the runtime stats job.
func (a *App) scheduleStats(cfg *config.Config) {
	spec, err := statsSchedule(cfg)
	if err == nil {
		err = a.sched.AddSchedule(statsJob, spec, a.logStats)
	}
	if err != nil {
		a.log.Warn("runtime stats disabled", logx.Err(err))
	}
}

func (a *App) logStats(ctx context.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	a.log.Debug("runtime stats",
		logx.Int("goroutines", runtime.NumGoroutine()),
		logx.Uint64("heap_alloc", ms.HeapAlloc),
		logx.Int("jobs_inflight", a.jobs.InFlight()),
		logx.Int("schedules", a.cron.ActiveCount()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit > 0 {
			var cancel context.CancelFunc
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// No new input or triggers first, then let in-flight jobs finish before
	// features go away.
	step("engines", 3*time.Second, a.engines.StopAll)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pipeline", 5*time.Second, a.jobs.Drain)
	a.sup.Cancel()
	step("features", 4*time.Second, func(c context.Context) error { a.features.StopAll(c, feature.StopShutdown); return nil })
	a.jobCancel()
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.kv.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
