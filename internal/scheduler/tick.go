package scheduler

import (
	"context"
	"errors"
	"time"

	"cronpipe/internal/eventbus"
	"cronpipe/internal/pipeline"
	logx "cronpipe/pkg/logx"
)

// Tick runs one scheduling pass at now. Only an unreadable pipelines root is
// returned as an error; every per-pipeline problem is logged and skipped.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	diff, err := s.catalog.Refresh()
	if err != nil {
		s.log.Error("pipelines root unreadable", logx.String("root", s.catalog.Root()), logx.Err(err))
		return err
	}

	pipelines := s.catalog.Snapshot()
	local := now.In(s.cfg.Location)
	if diff.Changed() {
		s.announce(diff, pipelines, local)
	}

	for _, p := range pipelines {
		if ctx.Err() != nil {
			return nil
		}
		if !s.seen[p.ID] {
			s.seen[p.ID] = true
			s.recover(ctx, p)
		}
		s.consider(ctx, p, local)
	}
	return nil
}

// recover clears an active flag that no run of this process holds: one left
// behind by a dead process (checked once per pipeline id, before it is first
// considered) or one whose end could not be recorded.
func (s *Service) recover(ctx context.Context, p *pipeline.Pipeline) {
	log := s.log.With(logx.String("pipeline", p.ID))
	st, err := s.store.Load(ctx, p.ID)
	if err != nil {
		log.Warn("state unreadable before recovery", logx.Err(err))
	}
	was, err := s.store.Recover(ctx, p.ID)
	if err != nil {
		log.Error("crash recovery failed", logx.Err(err))
		return
	}
	if !was {
		return
	}
	ev := &RecoveryEvent{Pipeline: p.ID, Since: st.Timestamp}
	log.Warn("crash recovery", logx.Time("since", st.Timestamp), logx.Err(ev))
	s.bus.Publish(eventbus.Event{Type: eventbus.RunRecovered, Pipeline: p.ID, Data: ev})
}

func (s *Service) consider(ctx context.Context, p *pipeline.Pipeline, now time.Time) {
	if !p.Schedule.Matches(now) {
		return
	}
	log := s.log.With(logx.String("pipeline", p.ID))

	st, err := s.store.Load(ctx, p.ID)
	if err != nil {
		log.Warn("state unreadable; treating pipeline as never run", logx.Err(err))
	}
	if st.SameMinute(now) {
		log.Trace("already ran this minute")
		return
	}
	if st.Active {
		if s.isRunning(p.ID) {
			s.skipped(log, p, now)
			return
		}
		// Nothing here holds the flag: the end of the last run was lost.
		s.recover(ctx, p)
	}
	ok, err := s.claim(ctx, p.ID, now)
	if errors.Is(err, errClosed) {
		return
	}
	if err != nil {
		log.Error("failed to record run start", logx.Err(err))
		return
	}
	if !ok {
		s.skipped(log, p, now)
		return
	}
	log.Info("pipeline due; dispatching", logx.String("expression", p.Expression), logx.Time("minute", now.Truncate(time.Minute)))
	s.dispatch(p, now)
}

func (s *Service) skipped(log logx.Logger, p *pipeline.Pipeline, now time.Time) {
	log.Info("previous run still active; skipping this minute")
	s.bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Pipeline: p.ID, Time: now})
}

// announce logs catalog changes with each new schedule's next fire time.
func (s *Service) announce(diff pipeline.Diff, pipelines []*pipeline.Pipeline, now time.Time) {
	byID := make(map[string]*pipeline.Pipeline, len(pipelines))
	for _, p := range pipelines {
		byID[p.ID] = p
	}
	for _, ids := range [][]string{diff.Added, diff.Updated} {
		for _, id := range ids {
			p := byID[id]
			if p == nil {
				continue
			}
			fields := []logx.Field{logx.String("pipeline", id), logx.String("expression", p.Expression)}
			if next := p.Schedule.Next(now); !next.IsZero() {
				fields = append(fields, logx.Time("next", next))
			} else {
				fields = append(fields, logx.String("next", "never"))
			}
			s.log.Info("pipeline scheduled", fields...)
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.CatalogChanged, Data: diff})
}
