// Package state persists per-pipeline run state and run history.
//
// Drivers:
//   - "file": one JSON file per pipeline (atomic temp+rename) plus a
//     history.jsonl journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// The store never decides whether a stored active flag is stale; the
// scheduler resets it on startup via Recover.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrClosed        = errors.New("state store closed")
	ErrUnknownDriver = errors.New("unknown state driver")
	// ErrStateIO is wrapped by every *StateIOError.
	ErrStateIO = errors.New("state i/o error")
)

// Epoch is the timestamp of a pipeline that never ran.
var Epoch = time.Unix(0, 0).UTC()

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler.
//
// Implementations serialize TryStart per store so that two callers can never
// both observe active=false and start the same pipeline.
type Store interface {
	// Load returns the stored state, or the default (inactive, Epoch) when
	// absent. A corrupt record yields the default plus a *StateIOError.
	Load(ctx context.Context, id string) (RunState, error)
	// TryStart atomically flips active false->true and stamps now.
	// It reports false when a run is already active.
	TryStart(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkStarted unconditionally records an active run started at now.
	MarkStarted(ctx context.Context, id string, now time.Time) error
	// MarkFinished records an inactive state with timestamp now.
	MarkFinished(ctx context.Context, id string, now time.Time) error
	// Recover resets a stored active flag and reports whether it was set.
	Recover(ctx context.Context, id string) (bool, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// History returns up to limit most recent runs of id, newest first.
	History(ctx context.Context, id string, limit int) ([]RunRecord, error)

	Close() error
}

// RunState is the persisted record of one pipeline.
type RunState struct {
	ID        string
	Active    bool
	Timestamp time.Time
}

// Default returns the state of a pipeline that never ran.
func Default(id string) RunState {
	return RunState{ID: id, Timestamp: Epoch}
}

// SameMinute reports whether the stored timestamp falls in the same UTC
// minute as t.
func (s RunState) SameMinute(t time.Time) bool {
	return s.Timestamp.UTC().Truncate(time.Minute).Equal(t.UTC().Truncate(time.Minute))
}

type wireState struct {
	ID        string `json:"id"`
	Active    bool   `json:"active"`
	Timestamp string `json:"timestamp"`
}

// MarshalJSON writes the timestamp as RFC 3339 UTC.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireState{ID: s.ID, Active: s.Active, Timestamp: formatTime(s.Timestamp)})
}

func (s *RunState) UnmarshalJSON(b []byte) error {
	var w wireState
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*s = RunState{ID: w.ID, Active: w.Active, Timestamp: ts}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = Epoch
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Epoch, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// RunRecord is one finished run, kept for operators.
type RunRecord struct {
	RunID    string    `json:"run_id"`
	Pipeline string    `json:"pipeline"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	OK       bool      `json:"ok"`
	// Failed lists the breadcrumbs of failed jobs.
	Failed []string `json:"failed,omitempty"`
	// Skipped lists stages that never ran.
	Skipped []string `json:"skipped,omitempty"`
}

// StateIOError reports an unreadable, corrupt or unwritable state record.
type StateIOError struct {
	ID   string
	Path string
	Op   string
	Err  error
}

func (e *StateIOError) Error() string {
	return fmt.Sprintf("%v: %s %s (%s): %v", ErrStateIO, e.Op, e.ID, e.Path, e.Err)
}

func (e *StateIOError) Unwrap() []error { return []error{ErrStateIO, e.Err} }
