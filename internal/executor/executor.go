// Package executor runs one pipeline: stages in order, jobs of a stage in
// parallel, with a barrier between stages.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cronpipe/internal/pipeline"
	logx "cronpipe/pkg/logx"
)

// Config tunes job execution.
type Config struct {
	// JobTimeout kills a job after this long; 0 disables the limit.
	JobTimeout time.Duration
}

// JobResult is the observed result of one job.
type JobResult struct {
	Job      string // breadcrumb
	ExitCode int
	Output   []byte
	Err      error
	Started  time.Time
	Duration time.Duration
}

// StageResult groups the job results of one stage.
type StageResult struct {
	Stage string
	Jobs  []JobResult
}

// Failed reports whether any job of the stage failed.
func (s StageResult) Failed() bool {
	for _, j := range s.Jobs {
		if j.Err != nil {
			return true
		}
	}
	return false
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Pipeline string
	RunID    string
	Started  time.Time
	Finished time.Time
	Stages   []StageResult
	// Skipped lists stages that never started because an earlier stage failed.
	Skipped []string
}

// OK is true only when every launched job exited zero.
func (o Outcome) OK() bool {
	if len(o.Skipped) > 0 {
		return false
	}
	for _, s := range o.Stages {
		if s.Failed() {
			return false
		}
	}
	return true
}

// Failed returns the breadcrumbs of failed jobs.
func (o Outcome) Failed() []string {
	var out []string
	for _, s := range o.Stages {
		for _, j := range s.Jobs {
			if j.Err != nil {
				out = append(out, j.Job)
			}
		}
	}
	return out
}

// Err joins every job error, or returns nil.
func (o Outcome) Err() error {
	var errs []error
	for _, s := range o.Stages {
		for _, j := range s.Jobs {
			if j.Err != nil {
				errs = append(errs, j.Err)
			}
		}
	}
	return errors.Join(errs...)
}

// Executor runs pipelines through a Launcher.
type Executor struct {
	launcher Launcher
	cfg      Config
	log      logx.Logger
	newID    func() string
}

func New(l Launcher, cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		launcher: l,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "executor")),
		newID:    uuid.NewString,
	}
}

// Run executes p to completion. It never returns early while a job of the
// current stage is still running; cancelling ctx only stops later stages
// from starting (and is forwarded to the launcher).
func (e *Executor) Run(ctx context.Context, p *pipeline.Pipeline) Outcome {
	out := Outcome{
		Pipeline: p.ID,
		RunID:    e.newID(),
		Started:  time.Now(),
	}
	log := e.log.With(logx.String("pipeline", p.ID), logx.String("run_id", out.RunID))
	log.Info("pipeline run started", logx.Strings("stages", p.Stages))

	for i, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			out.Skipped = append(out.Skipped, p.Stages[i:]...)
			log.Warn("pipeline run cancelled", logx.Strings("skipped", out.Skipped), logx.Err(err))
			break
		}

		jobs := p.JobsIn(stage)
		res := StageResult{Stage: stage, Jobs: make([]JobResult, len(jobs))}
		log.Debug("stage started", logx.String("stage", stage), logx.Int("jobs", len(jobs)))

		var g errgroup.Group
		for k, j := range jobs {
			g.Go(func() error {
				res.Jobs[k] = e.runJob(ctx, log, p, j)
				return res.Jobs[k].Err
			})
		}
		// Wait returns the first job error, but only after every job has
		// exited: siblings of a failed job keep running.
		err := g.Wait()
		out.Stages = append(out.Stages, res)
		if err != nil {
			out.Skipped = append(out.Skipped, p.Stages[i+1:]...)
			log.Warn("stage failed",
				logx.String("stage", stage),
				logx.Strings("failed", out.Failed()),
				logx.Strings("skipped", out.Skipped),
			)
			break
		}
		log.Debug("stage completed", logx.String("stage", stage))
	}

	out.Finished = time.Now()
	log.Info("pipeline run finished",
		logx.Bool("ok", out.OK()),
		logx.Duration("took", out.Finished.Sub(out.Started)),
	)
	return out
}

func (e *Executor) runJob(ctx context.Context, log logx.Logger, p *pipeline.Pipeline, j pipeline.Job) JobResult {
	name := p.Breadcrumb(j)
	r := JobResult{Job: name, Started: time.Now()}
	log = log.With(logx.String("job", name))
	log.Info("job started", logx.String("script", j.Path))

	jctx := ctx
	if e.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, e.cfg.JobTimeout)
		defer cancel()
	}

	res, err := e.launcher.Launch(jctx, Command{Name: name, Path: j.Path, Dir: p.Dir})
	r.Duration = time.Since(r.Started)
	r.Output = res.Output
	r.ExitCode = res.ExitCode

	switch {
	case err != nil:
		r.ExitCode = -1
		r.Err = &LaunchError{Job: name, Path: j.Path, Err: err}
		log.Error("job failed", logx.Err(r.Err))
	case res.ExitCode != 0:
		timedOut := e.cfg.JobTimeout > 0 && errors.Is(jctx.Err(), context.DeadlineExceeded)
		r.Err = &JobExitError{Job: name, Code: res.ExitCode, TimedOut: timedOut}
		log.Error("job failed",
			logx.Int("exit_code", res.ExitCode),
			logx.Bool("timed_out", timedOut),
			logx.Duration("took", r.Duration),
			logx.String("output", tail(res.Output, 512)),
		)
	default:
		log.Info("job finished", logx.Duration("took", r.Duration))
	}
	return r
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
