// Package app wires the worker pool, message bus and scheduler together with
// their supporting services (config reload, journal, metrics, debug server,
// service manager notifications) into one process-wide runtime.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/EternityForest/scullery/internal/config"
	"github.com/EternityForest/scullery/internal/eventbus"
	"github.com/EternityForest/scullery/internal/observability/debugsrv"
	"github.com/EternityForest/scullery/internal/observability/metrics"
	"github.com/EternityForest/scullery/internal/runtime/supervisor"
	"github.com/EternityForest/scullery/internal/storage"
	"github.com/EternityForest/scullery/internal/task/scheduler"
	"github.com/EternityForest/scullery/internal/task/workers"
	"github.com/EternityForest/scullery/pkg/logx"
	"github.com/EternityForest/scullery/pkg/systemd"
)

// TopicErrors receives failing pool tasks and the first failure of each
// scheduled event.
const TopicErrors = "/system/errors"

const latencyProbeEvery = 10 * time.Second

type App struct {
	cfgm *config.Manager

	cfgMu sync.Mutex
	cfg   *config.Config

	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service

	pool  *workers.Pool
	bus   *eventbus.Bus
	sched *scheduler.Scheduler

	store   storage.Store
	journal *storage.Recorder

	registry *prom.Registry
	metrics  *metrics.Collector
	debug    *debugsrv.Service
	notifier *systemd.Notifier

	startedAt   time.Time
	lastLatency atomic.Int64

	periodicMu sync.Mutex
	periodic   []*scheduler.Repeating
}

// NewApp loads cfgPath and builds a stopped runtime that follows edits to
// the file once started.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return build(cfg, cfgm)
}

// New builds a runtime from an in-memory config. Reload is not available.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, nil)
}

func build(cfg *config.Config, cfgm *config.Manager) (*App, error) {
	logSvc, root := logx.New(mapLogging(cfg))

	pool := workers.New(mapWorkers(cfg), root)
	bus := eventbus.New(mapBus(cfg), root, pool)
	sched := scheduler.New(mapScheduler(cfg), root, pool)

	a := &App{
		cfgm:  cfgm,
		cfg:   cfg,
		log:   root.With(logx.String("comp", "app")),
		logs:  logSvc,
		pool:  pool,
		bus:   bus,
		sched: sched,
	}

	src := metrics.Sources{Pool: pool, Bus: bus, Scheduler: sched}
	if sc, rc, ok := mapStorage(cfg); ok {
		st, err := storage.Open(sc, root)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.store = st
		a.journal = storage.NewRecorder(st, rc, root)
		src.Journal = a.journal
		a.log.Info("journal enabled", logx.String("driver", sc.Driver), logx.String("topic", rc.Topic))
	}

	a.registry = prom.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	coll, err := metrics.Register(a.registry, src)
	if err != nil {
		_ = multierr.Append(a.closeStore(), logSvc.Close())
		return nil, err
	}
	a.metrics = coll
	a.debug = debugsrv.New(mapDebug(cfg), root, a.registry, a.Status)
	if cfg.Systemd.Notify {
		a.notifier = systemd.NewNotifier(root)
	}

	pool.OnTaskError(func(te *workers.TaskError) {
		bus.Publish(TopicErrors, te, eventbus.ReportErrors(false))
	})
	sched.OnFirstError(func(ee *scheduler.EventError) {
		bus.Publish(TopicErrors, ee, eventbus.ReportErrors(false))
	})
	return a, nil
}

func (a *App) Pool() *workers.Pool             { return a.pool }
func (a *App) Bus() *eventbus.Bus              { return a.bus }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Registry() *prom.Registry        { return a.registry }
func (a *App) DebugServer() *debugsrv.Service  { return a.debug }
func (a *App) Journal() storage.Store          { return a.store }

func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the fatal errors observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()
	a.startedAt = time.Now()

	if err := a.pool.Start(c); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	if err := a.sched.Start(c); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.journal != nil {
		a.journal.Attach(a.bus)
	}
	a.debug.Reconfigure(c, mapDebug(a.Config()))

	probe, err := a.sched.Every(latencyProbeEvery, a.probeLatency)
	if err != nil {
		return err
	}
	a.keep(probe)

	if a.notifier != nil {
		a.startSystemd()
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}

	a.log.Info("app started",
		logx.Int("workers", a.pool.Size()),
		logx.Bool("journal", a.journal != nil),
		logx.Bool("debug", a.Config().Debug.Enabled),
	)
	return nil
}

func (a *App) keep(r *scheduler.Repeating) {
	a.periodicMu.Lock()
	a.periodic = append(a.periodic, r)
	a.periodicMu.Unlock()
}

func (a *App) startSystemd() {
	if a.Config().Systemd.Watchdog {
		if every, ok := systemd.WatchdogInterval(); ok {
			r, err := a.sched.Every(every, a.notifier.Watchdog)
			if err != nil {
				a.log.Warn("systemd watchdog not scheduled", logx.Err(err))
			} else {
				a.keep(r)
				a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
			}
		} else {
			a.log.Info("systemd watchdog requested but not enabled for this unit")
		}
	}
	a.notifier.Ready()
	a.notifier.Status("running")
}

func (a *App) probeLatency() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := a.pool.MeasureLatency(ctx)
	if err != nil {
		a.log.Debug("latency probe failed", logx.Err(err))
		return
	}
	a.lastLatency.Store(int64(d))
	a.metrics.ObserveLatency(d)
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.Config()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config.
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
		if newCfg == nil {
			continue
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// applyConfig pushes the live-tunable sections to their components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.cfgMu.Lock()
	a.cfg = next
	a.cfgMu.Unlock()

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "workers":
			a.pool.Apply(mapWorkers(next))
		case "scheduler":
			a.sched.Apply(mapScheduler(next))
		case "debug":
			a.debug.Reconfigure(a.sup.Context(), mapDebug(next))
		case "bus", "journal", "systemd":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// Status is the document served on the debug server's /status endpoint.
type Status struct {
	Uptime    time.Duration                  `json:"uptime"`
	Pool      workers.Snapshot               `json:"pool"`
	Latency   string                         `json:"latency"`
	Probe     time.Duration                  `json:"last_probe_latency"`
	Bus       eventbus.Snapshot              `json:"bus"`
	Scheduler scheduler.Snapshot             `json:"scheduler"`
	Journal   *storage.RecorderStats         `json:"journal,omitempty"`
	Loops     map[string]supervisor.Snapshot `json:"loops"`
}

func (a *App) Status(ctx context.Context) any {
	st := Status{
		Uptime:    time.Since(a.startedAt),
		Pool:      a.pool.Snapshot(),
		Probe:     time.Duration(a.lastLatency.Load()),
		Bus:       a.bus.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		Loops: map[string]supervisor.Snapshot{
			"app":       a.sup.Snapshot(),
			"scheduler": a.sched.Loops(),
			"debug":     a.debug.Supervisor().Snapshot(),
		},
	}
	lctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if d, err := a.pool.MeasureLatency(lctx); err != nil {
		st.Latency = "unavailable: " + err.Error()
	} else {
		st.Latency = d.String()
	}
	if a.journal != nil {
		js := a.journal.Stats()
		st.Journal = &js
	}
	return st
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping")
	if a.notifier != nil {
		a.notifier.Stopping()
	}

	var errs error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		errs = multierr.Append(errs, a.step(ctx, name, max, fn))
	}

	step("periodic", time.Second, func(context.Context) error {
		a.periodicMu.Lock()
		defer a.periodicMu.Unlock()
		for _, r := range a.periodic {
			r.Cancel()
		}
		a.periodic = nil
		return nil
	})
	step("debug", time.Second, a.debug.Stop)
	step("journal", 100*time.Millisecond, func(context.Context) error {
		if a.journal != nil {
			a.journal.Detach()
		}
		return nil
	})
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("pool", 0, a.pool.Stop)
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })
	step("supervisor", 2*time.Second, a.sup.Stop)

	a.log.Info("stopped")
	if a.logs != nil {
		errs = multierr.Append(errs, a.logs.Close())
	}
	return errs
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// step runs fn with an upper bound so one component can't stall the whole
// stop. max <= 0 leaves only the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
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
		return fmt.Errorf("%s: %w", name, stepCtx.Err())
	}
}
