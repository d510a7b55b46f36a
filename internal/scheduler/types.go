// Package scheduler drives the refresh loop: reload the catalog, decide which
// pipelines are due this minute, and dispatch them without blocking the loop.
//
// The state store is the only source of truth for "already ran this minute"
// and "currently running"; the scheduler itself keeps no run bookkeeping
// that would be lost on restart.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cronpipe/internal/eventbus"
	"cronpipe/internal/executor"
	"cronpipe/internal/pipeline"
	"cronpipe/internal/runtime/supervisor"
	"cronpipe/internal/state"
	logx "cronpipe/pkg/logx"
)

// Config controls the loop.
type Config struct {
	// Refresh is the tick period.
	Refresh time.Duration
	// Location is the zone cron expressions are evaluated in (default UTC).
	Location *time.Location
}

// Catalog is the subset of *pipeline.Catalog the loop needs.
type Catalog interface {
	Root() string
	Refresh() (pipeline.Diff, error)
	Snapshot() []*pipeline.Pipeline
}

// Runner executes one pipeline run to completion.
type Runner interface {
	Run(ctx context.Context, p *pipeline.Pipeline) executor.Outcome
}

// RecoveryEvent reports a stored active flag found when a pipeline is first
// seen by this process: the previous process died mid-run.
type RecoveryEvent struct {
	Pipeline string
	Since    time.Time
}

func (e *RecoveryEvent) Error() string {
	return fmt.Sprintf("pipeline %s was left active since %s; previous run presumed crashed, flag reset",
		e.Pipeline, e.Since.UTC().Format(time.RFC3339))
}

// Option tweaks a Service.
type Option func(*Service)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSupervisor dispatches runs on sup instead of a private supervisor.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Service) { s.sup = sup }
}

type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	catalog Catalog
	store   state.Store
	runner  Runner
	sup     *supervisor.Supervisor
	now     func() time.Time

	poke chan struct{}

	// runCtx outlives the loop context so shutdown drains runs; Abort
	// cancels it.
	runCtx   context.Context
	abort    context.CancelFunc
	inflight sync.WaitGroup

	// mu guards running and closed. inflight.Add happens under it so Close
	// and Wait never race a dispatch.
	mu      sync.Mutex
	running map[string]bool
	closed  bool

	// tick state, owned by the loop goroutine
	seen map[string]bool
}
