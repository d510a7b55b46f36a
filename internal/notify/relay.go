package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cronpipe/internal/eventbus"
	"cronpipe/internal/state"
	logx "cronpipe/pkg/logx"
)

// RelayConfig selects which run events become messages.
type RelayConfig struct {
	OnFailure  bool
	OnRecovery bool
	// DedupWindow suppresses identical messages for the same pipeline
	// within the window (0 disables).
	DedupWindow time.Duration
}

// Relay turns run events from the bus into operator messages.
type Relay struct {
	out     Sender
	log     logx.Logger
	limiter *rate.Limiter
	events  <-chan eventbus.Event
	unsub   func()

	mu    sync.Mutex
	cfg   RelayConfig
	dedup map[string]time.Time
}

func NewRelay(bus eventbus.Bus, out Sender, cfg RelayConfig, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Subscribed here so events published before Run starts are queued.
	events, unsub := bus.Subscribe(64, eventbus.RunFinished, eventbus.RunRecovered)
	return &Relay{
		out:     out,
		log:     log.With(logx.String("comp", "notify")),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		events:  events,
		unsub:   unsub,
		cfg:     cfg,
		dedup:   map[string]time.Time{},
	}
}

// Apply swaps the event selection at runtime.
func (r *Relay) Apply(cfg RelayConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Run consumes events until ctx is done, then drops the subscription.
func (r *Relay) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Relay) handle(ctx context.Context, e eventbus.Event) {
	text := r.format(e)
	if text == "" || r.duplicate(e.Pipeline, text, e.Time) {
		return
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	if err := r.out.Send(ctx, text); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("notification failed", logx.String("pipeline", e.Pipeline), logx.String("event", e.Type), logx.Err(err))
	}
}

func (r *Relay) format(e eventbus.Event) string {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	switch e.Type {
	case eventbus.RunFinished:
		rec, ok := e.Data.(state.RunRecord)
		if !ok || rec.OK || !cfg.OnFailure {
			return ""
		}
		return FormatFailure(rec)
	case eventbus.RunRecovered:
		if !cfg.OnRecovery {
			return ""
		}
		if err, ok := e.Data.(error); ok {
			return "cronpipe: crash recovery\n" + err.Error()
		}
		return fmt.Sprintf("cronpipe: crash recovery\npipeline %s was left active by a previous process", e.Pipeline)
	}
	return ""
}

// FormatFailure renders a failed run for operators.
func FormatFailure(rec state.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cronpipe: pipeline %s failed\n", rec.Pipeline)
	fmt.Fprintf(&b, "run: %s\n", rec.RunID)
	fmt.Fprintf(&b, "started: %s\n", rec.Started.UTC().Format(time.RFC3339))
	if !rec.Finished.IsZero() && !rec.Started.IsZero() {
		fmt.Fprintf(&b, "took: %s\n", rec.Finished.Sub(rec.Started).Round(time.Millisecond))
	}
	if len(rec.Failed) > 0 {
		fmt.Fprintf(&b, "failed: %s\n", strings.Join(rec.Failed, ", "))
	}
	if len(rec.Skipped) > 0 {
		fmt.Fprintf(&b, "skipped stages: %s\n", strings.Join(rec.Skipped, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// duplicate reports whether the same pipeline failed the same way within
// the dedup window. The run id line is ignored for the comparison.
func (r *Relay) duplicate(pipeline, text string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.DedupWindow <= 0 {
		return false
	}
	if at.IsZero() {
		at = time.Now()
	}
	key := pipeline + "\x00" + dedupKey(text)
	if until, ok := r.dedup[key]; ok && at.Before(until) {
		return true
	}
	r.dedup[key] = at.Add(r.cfg.DedupWindow)
	for k, until := range r.dedup {
		if !at.Before(until) && k != key {
			delete(r.dedup, k)
		}
	}
	return false
}

func dedupKey(text string) string {
	var keep []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "run: ") || strings.HasPrefix(line, "started: ") || strings.HasPrefix(line, "took: ") {
			continue
		}
		keep = append(keep, line)
	}
	return strings.Join(keep, "\n")
}
