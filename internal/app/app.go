// Package app wires the scheduler daemon together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"cronpipe/internal/config"
	"cronpipe/internal/eventbus"
	"cronpipe/internal/executor"
	"cronpipe/internal/notify"
	"cronpipe/internal/observability/debug"
	"cronpipe/internal/pipeline"
	"cronpipe/internal/runtime/supervisor"
	"cronpipe/internal/scheduler"
	"cronpipe/internal/state"
	logx "cronpipe/pkg/logx"
)

// Stop reasons, for logs.
const (
	StopSignal = "signal"
	StopFatal  = "fatal"
)

type App struct {
	cfgm     *config.Manager
	cfg      *config.Config
	over     config.Overrides
	settings config.Settings

	log  logx.Logger
	logs *logx.Service
	sink *notify.Sink

	bus     eventbus.Bus
	store   state.Store
	catalog *pipeline.Catalog
	exec    *executor.Executor
	relay   *notify.Relay

	sup     *supervisor.Supervisor
	sched   *scheduler.Service
	started time.Time
}

// New loads configuration (file, then flag overrides), opens the state store
// and checks the pipelines root. Any error here is fatal.
func New(cfgPath string, o config.Overrides) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Override(o)
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfgm.Commit(cfg)

	if fi, err := os.Stat(settings.Pipelines); err != nil {
		return nil, fmt.Errorf("pipelines root %s: %w", settings.Pipelines, err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("pipelines root %s: not a directory", settings.Pipelines)
	}

	sink := &notify.Sink{}
	out, err := sender(cfg, settings)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	sink.Set(out)

	logs, log := logx.New(logConfig(cfg), sink)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := state.Open(state.Config{
		Driver:      settings.StateDriver,
		Path:        settings.StatePath,
		BusyTimeout: settings.BusyTimeout,
	}, log.With(logx.String("comp", "state")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("state store %s: %w", settings.StatePath, err)
	}

	bus := eventbus.New()
	launcher := executor.ProcessLauncher{
		Shell:       cfg.Executor.Shell,
		OutputLimit: cfg.Executor.OutputLimit,
		Env:         jobEnv(cfg),
	}

	return &App{
		cfgm:     cfgm,
		cfg:      cfg,
		over:     o,
		settings: settings,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		sink:     sink,
		bus:      bus,
		store:    store,
		catalog:  pipeline.NewCatalog(settings.Pipelines, log),
		exec:     executor.New(launcher, executor.Config{JobTimeout: settings.JobTimeout}, log),
		relay:    notify.NewRelay(bus, sink, relayConfig(cfg), log),
	}, nil
}

// Start launches the scheduler loop and its helpers and returns at once.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sched = scheduler.New(scheduler.Config{
		Refresh:  a.settings.Refresh,
		Location: a.settings.Location,
	}, a.catalog, a.store, a.exec, a.log, a.bus, scheduler.WithSupervisor(a.sup))

	// A fatal loop error cancels the supervisor, which closes Done.
	a.sup.Go("notify.relay", a.relay.Run)
	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("systemd.watchdog", a.watchdog)

	if a.cfg.Watch {
		a.sup.GoRestart("catalog.watch", func(c context.Context) error {
			return a.catalog.Watch(c, a.sched.Poke)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if a.cfgm.Path() != "" {
		ch := a.cfgm.Subscribe(1)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(ch)
			for {
				select {
				case <-c.Done():
					return nil
				case cfg, ok := <-ch:
					if !ok {
						return nil
					}
					a.reload(cfg)
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
	}
	if d := a.cfg.Debug; d.Enabled {
		srv := debug.New(debug.Config{
			Addr:          d.Addr,
			Token:         d.Token,
			AllowInsecure: d.AllowInsecure,
			Pprof:         d.Pprof,
		}, a, a.log)
		a.sup.GoRestart("debug.http", srv.Serve, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("cronpipe started",
		logx.String("pipelines", a.settings.Pipelines),
		logx.Duration("refresh", a.settings.Refresh),
		logx.String("state", a.settings.StateDriver+":"+a.settings.StatePath),
		logx.Bool("watch", a.cfg.Watch),
		logx.Bool("notify", a.sink.Enabled()),
	)
	return nil
}

// Done is closed when the app stops on its own (fatal error) or its start
// context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the fatal error that stopped the app, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// History exposes recorded runs of one pipeline, newest first.
func (a *App) History(ctx context.Context, id string, limit int) ([]state.RunRecord, error) {
	return a.store.History(ctx, id, limit)
}

// Status reports the scheduled pipelines and the supervised goroutines.
func (a *App) Status() debug.Status {
	st := debug.Status{Started: a.started, Pipelines: []string{}, Running: []string{}}
	for _, p := range a.catalog.Snapshot() {
		st.Pipelines = append(st.Pipelines, p.ID)
	}
	st.DroppedEvents = a.bus.Dropped()
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
		for _, g := range st.Goroutines {
			if id, ok := strings.CutPrefix(g.Name, "run/"); ok && g.Active > 0 {
				st.Running = append(st.Running, id)
			}
		}
	}
	return st
}

// reload applies the hot-reloadable sections of a new configuration. Flag
// overrides still win over the file.
func (a *App) reload(next *config.Config) {
	c := *next
	cfg := &c
	cfg.Override(a.over)
	live, attrs, restart := config.SummarizeChange(a.cfg, cfg)
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}
	if len(live) == 0 {
		a.log.Info("config reloaded (no live changes)")
		return
	}
	for _, sec := range live {
		switch sec {
		case "notify":
			s, err := cfg.Resolve()
			if err == nil {
				var out notify.Sender
				if out, err = sender(cfg, s); err == nil {
					a.sink.Set(out)
					a.relay.Apply(relayConfig(cfg))
				}
			}
			if err != nil {
				a.log.Warn("notify config not applied", logx.Err(err))
			}
		case "logging":
			a.logs.Apply(logConfig(cfg))
		}
	}
	// Keep the static sections as started so later diffs stay accurate.
	kept := *a.cfg
	kept.Logging = cfg.Logging
	kept.Notify = cfg.Notify
	a.cfg = &kept
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(live, ","))}, attrs...)...)
}

// Stop shuts down in order: stop ticking and watching, drain in-flight runs
// until ctx expires (then kill them), close the store and the logger.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sdNotify(daemon.SdNotifyStopping)
	a.sup.Cancel()
	a.sched.Close()

	start := time.Now()
	if err := a.sched.Wait(ctx); err != nil {
		a.log.Warn("in-flight runs did not finish in time; killing jobs", logx.Err(err))
		a.sched.Abort()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.sched.Wait(wctx); err != nil {
			a.log.Error("runs still active after abort; state will be recovered on next start", logx.Err(err))
		}
		cancel()
	} else {
		a.log.Debug("in-flight runs drained", logx.Duration("took", time.Since(start)))
	}

	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("supervisor stopped with error", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
