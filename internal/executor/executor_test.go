package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronpipe/internal/pipeline"
	logx "cronpipe/pkg/logx"
)

func testPipeline(t *testing.T, dir string) *pipeline.Pipeline {
	t.Helper()
	def := `{
		"id": "etl",
		"expression": "* * * * *",
		"stages": ["a", "b", "c"],
		"jobs": [
			{"id": "a1", "stage": "a", "script": "a1.sh"},
			{"id": "a2", "stage": "a", "script": "a2.sh"},
			{"id": "b1", "stage": "b", "script": "b1.sh"},
			{"id": "c1", "stage": "c", "script": "c1.sh"}
		]
	}`
	p, err := pipeline.Decode(dir, []byte(def))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return p
}

// recorder is a fake Launcher that logs start/end events.
type recorder struct {
	mu     sync.Mutex
	events []string
	exit   map[string]int
	fail   map[string]error
	delay  time.Duration
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Launch(ctx context.Context, cmd Command) (Result, error) {
	id := filepath.Base(cmd.Path)
	if err := r.fail[id]; err != nil {
		return Result{}, err
	}
	r.add("start " + id)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.add("end " + id)
	return Result{ExitCode: r.exit[id], Output: []byte(id + " output\n")}, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func indexOf(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}

func TestRunAllStagesSucceed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := &recorder{delay: 20 * time.Millisecond}
	ex := New(rec, Config{}, logx.Nop())

	out := ex.Run(context.Background(), testPipeline(t, dir))
	if !out.OK() || out.Err() != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.RunID == "" || out.Pipeline != "etl" {
		t.Fatalf("outcome identity = %q/%q", out.Pipeline, out.RunID)
	}
	if len(out.Stages) != 3 || len(out.Skipped) != 0 {
		t.Fatalf("stages=%d skipped=%v", len(out.Stages), out.Skipped)
	}
	if got := out.Stages[0].Jobs[1].Job; got != "etl/a/a2" {
		t.Fatalf("breadcrumb = %q", got)
	}

	// Stage barrier: every stage-a job ends before any stage-b job starts.
	ev := rec.snapshot()
	b1 := indexOf(ev, "start b1.sh")
	for _, e := range []string{"end a1.sh", "end a2.sh"} {
		if i := indexOf(ev, e); i < 0 || i > b1 {
			t.Fatalf("%s must precede start b1.sh: %v", e, ev)
		}
	}
	if indexOf(ev, "end b1.sh") > indexOf(ev, "start c1.sh") {
		t.Fatalf("b must finish before c starts: %v", ev)
	}
}

func TestRunJobsOfStageOverlap(t *testing.T) {
	t.Parallel()
	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	l := LauncherFunc(func(ctx context.Context, cmd Command) (Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return Result{}, nil
	})
	out := New(l, Config{}, logx.Nop()).Run(context.Background(), testPipeline(t, t.TempDir()))
	if !out.OK() {
		t.Fatalf("expected success: %v", out.Err())
	}
	if peak.Load() != 2 {
		t.Fatalf("stage a jobs should run concurrently, peak=%d", peak.Load())
	}
}

func TestRunFailFastSkipsLaterStages(t *testing.T) {
	t.Parallel()
	rec := &recorder{exit: map[string]int{"a1.sh": 3}, delay: 10 * time.Millisecond}
	out := New(rec, Config{}, logx.Nop()).Run(context.Background(), testPipeline(t, t.TempDir()))

	if out.OK() {
		t.Fatal("expected failure")
	}
	if !reflect.DeepEqual(out.Skipped, []string{"b", "c"}) {
		t.Fatalf("skipped = %v", out.Skipped)
	}
	if !reflect.DeepEqual(out.Failed(), []string{"etl/a/a1"}) {
		t.Fatalf("failed = %v", out.Failed())
	}

	// The sibling in the failed stage still ran to completion.
	ev := rec.snapshot()
	sort.Strings(ev)
	want := []string{"end a1.sh", "end a2.sh", "start a1.sh", "start a2.sh"}
	if !reflect.DeepEqual(ev, want) {
		t.Fatalf("events = %v, want %v", ev, want)
	}

	var exitErr *JobExitError
	if !errors.As(out.Err(), &exitErr) || exitErr.Code != 3 || !errors.Is(out.Err(), ErrJobExit) {
		t.Fatalf("expected JobExitError code 3, got %v", out.Err())
	}
	if r := out.Stages[0].Jobs[0]; r.ExitCode != 3 || string(r.Output) != "a1.sh output\n" {
		t.Fatalf("job result = %+v", r)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	t.Parallel()
	rec := &recorder{fail: map[string]error{"b1.sh": os.ErrNotExist}}
	out := New(rec, Config{}, logx.Nop()).Run(context.Background(), testPipeline(t, t.TempDir()))

	if out.OK() || !reflect.DeepEqual(out.Skipped, []string{"c"}) {
		t.Fatalf("outcome = %+v", out)
	}
	var le *LaunchError
	if !errors.As(out.Err(), &le) || !errors.Is(out.Err(), ErrLaunch) || !errors.Is(out.Err(), os.ErrNotExist) {
		t.Fatalf("expected LaunchError, got %v", out.Err())
	}
	if le.Job != "etl/b/b1" {
		t.Fatalf("launch error job = %q", le.Job)
	}
}

func TestRunCancelledSkipsRemaining(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	l := LauncherFunc(func(context.Context, Command) (Result, error) {
		cancel()
		return Result{}, nil
	})
	out := New(l, Config{}, logx.Nop()).Run(ctx, testPipeline(t, t.TempDir()))
	if len(out.Stages) != 1 || !reflect.DeepEqual(out.Skipped, []string{"b", "c"}) {
		t.Fatalf("outcome = %+v", out)
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestProcessLauncher(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	writeScript(t, dir, "ok.sh", "pwd\necho hello >&2\n")
	writeScript(t, dir, "bad.sh", "echo boom\nexit 7\n")

	l := ProcessLauncher{Shell: "sh"}
	ctx := context.Background()

	res, err := l.Launch(ctx, Command{Path: filepath.Join(dir, "ok.sh"), Dir: dir})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("ok.sh = %+v, %v", res, err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(string(res.Output), "hello") || !strings.Contains(string(res.Output), resolved) {
		t.Fatalf("output should hold cwd and stderr: %q", res.Output)
	}

	res, err = l.Launch(ctx, Command{Path: filepath.Join(dir, "bad.sh"), Dir: dir})
	if err != nil || res.ExitCode != 7 || strings.TrimSpace(string(res.Output)) != "boom" {
		t.Fatalf("bad.sh = %+v, %v", res, err)
	}

	if _, err := l.Launch(ctx, Command{Path: filepath.Join(dir, "missing.sh"), Dir: dir}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing script err = %v", err)
	}
}

func TestProcessLauncherEnv(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	writeScript(t, dir, "env.sh", "echo \"$CRONPIPE_STAGE_ENV\"\n")

	l := ProcessLauncher{Shell: "sh", Env: []string{"CRONPIPE_STAGE_ENV=from-config"}}
	res, err := l.Launch(context.Background(), Command{Path: filepath.Join(dir, "env.sh"), Dir: dir})
	if err != nil || strings.TrimSpace(string(res.Output)) != "from-config" {
		t.Fatalf("env.sh = %q, %v", res.Output, err)
	}
}

func TestRunEmptyPipelineSucceeds(t *testing.T) {
	t.Parallel()
	p, err := pipeline.Decode(t.TempDir(), []byte(`{"id":"noop","expression":"* * * * *","stages":[],"jobs":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	out := New(&recorder{}, Config{}, logx.Nop()).Run(context.Background(), p)
	if !out.OK() || len(out.Stages) != 0 || out.RunID == "" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestProcessLauncherTimeout(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	writeScript(t, dir, "slow.sh", "exec sleep 5\n")

	p, err := pipeline.Decode(dir, []byte(`{"id":"slow","expression":"* * * * *","stages":["s"],"jobs":[{"id":"j","stage":"s","script":"slow.sh"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	ex := New(ProcessLauncher{Shell: "sh"}, Config{JobTimeout: 100 * time.Millisecond}, logx.Nop())
	start := time.Now()
	out := ex.Run(context.Background(), p)
	if time.Since(start) > 3*time.Second {
		t.Fatal("job timeout did not kill the process")
	}
	var exitErr *JobExitError
	if !errors.As(out.Err(), &exitErr) || !exitErr.TimedOut {
		t.Fatalf("expected timed out JobExitError, got %v", out.Err())
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("ab"))
	if string(b.Bytes()) != "ab" {
		t.Fatalf("got %q", b.Bytes())
	}
	_, _ = b.Write([]byte("cdef"))
	if string(b.Bytes()) != "...\ncdef" {
		t.Fatalf("got %q", b.Bytes())
	}
}
