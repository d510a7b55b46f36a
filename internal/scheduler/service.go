package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"cronpipe/internal/eventbus"
	"cronpipe/internal/executor"
	"cronpipe/internal/pipeline"
	"cronpipe/internal/runtime/supervisor"
	"cronpipe/internal/state"
	logx "cronpipe/pkg/logx"
)

const defaultRefresh = 30 * time.Second

func New(cfg Config, cat Catalog, store state.Store, runner Runner, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultRefresh
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		catalog: cat,
		store:   store,
		runner:  runner,
		now:     time.Now,
		poke:    make(chan struct{}, 1),
		running: map[string]bool{},
		seen:    map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.sup == nil {
		s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	}
	s.runCtx, s.abort = context.WithCancel(context.Background())
	return s
}

// Poke requests an early tick. It never blocks; pokes coalesce.
func (s *Service) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run ticks immediately, then every Refresh interval and on every Poke,
// until ctx is done. It returns a non-nil error only for a fatal condition
// (the pipelines root became unreadable). In-flight runs are not waited for;
// call Wait.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		logx.String("root", s.catalog.Root()),
		logx.Duration("refresh", s.cfg.Refresh),
		logx.String("tz", s.cfg.Location.String()),
	)
	if err := s.Tick(ctx, s.now()); err != nil {
		return err
	}

	t := time.NewTicker(s.cfg.Refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-t.C:
		case <-s.poke:
			s.log.Debug("early tick")
		}
		if err := s.Tick(ctx, s.now()); err != nil {
			return err
		}
	}
}

// Wait blocks until every dispatched run has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels in-flight runs; their job processes are killed.
func (s *Service) Abort() { s.abort() }

// Close stops any further dispatch. Runs already started continue; use
// Wait to drain them.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// isRunning reports whether this process has a run of id in flight.
func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// errClosed is returned by claim after Close.
var errClosed = errors.New("scheduler closed")

// claim flips the stored active flag and registers the run in flight. It
// reports false when another run holds the flag.
func (s *Service) claim(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	ok, err := s.store.TryStart(ctx, id, now)
	if err != nil || !ok {
		return ok, err
	}
	s.running[id] = true
	s.inflight.Add(1)
	return true, nil
}

// dispatch starts a run claimed by claim.
func (s *Service) dispatch(p *pipeline.Pipeline, at time.Time) {
	s.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Pipeline: p.ID, Time: at})
	s.sup.GoWith(s.runCtx, "run/"+p.ID, func(ctx context.Context) error {
		defer s.inflight.Done()
		var out executor.Outcome
		// A panicking runner still clears the active flag and must not
		// reach the supervisor as an error: one pipeline never stops the loop.
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("run panicked", logx.String("pipeline", p.ID), logx.Any("panic", r))
				out = executor.Outcome{}
			}
			s.finish(p, at, out)
		}()
		out = s.runner.Run(ctx, p)
		return nil
	})
}

func (s *Service) finish(p *pipeline.Pipeline, started time.Time, out executor.Outcome) {
	finished := s.now()
	// The run may have been aborted; recording its end must not be.
	ctx := context.WithoutCancel(s.runCtx)
	log := s.log.With(logx.String("pipeline", p.ID))

	if err := s.store.MarkFinished(ctx, p.ID, finished); err != nil {
		log.Error("failed to record run end", logx.Err(err))
	}

	rec := state.RunRecord{
		RunID:    out.RunID,
		Pipeline: p.ID,
		Started:  started,
		Finished: finished,
		OK:       out.OK() && out.RunID != "",
		Failed:   out.Failed(),
		Skipped:  out.Skipped,
	}
	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	if err := s.store.AppendRun(ctx, rec); err != nil {
		log.Warn("failed to append run history", logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Pipeline: p.ID, Time: finished, Data: rec})

	if next := p.Schedule.Next(finished.In(s.cfg.Location)); !next.IsZero() {
		log.Debug("next run", logx.Time("at", next))
	}

	s.mu.Lock()
	delete(s.running, p.ID)
	s.mu.Unlock()
}
