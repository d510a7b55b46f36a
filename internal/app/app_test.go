package app

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"cronpipe/internal/config"
)

func writeFile(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatal(err)
	}
}

func TestNewRejectsMissingRoot(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "nope")
	_, err := New("", config.Overrides{Pipelines: missing})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), missing) {
		t.Fatalf("error %q does not name %s", err, missing)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "cronpipe.yaml")
	writeFile(t, cfg, "pipelines: "+dir+"\nrefresh: -5\n", 0o644)
	if _, err := New(cfg, config.Overrides{}); err == nil {
		t.Fatal("expected refresh error")
	}
}

func TestAppRunsPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	root := filepath.Join(dir, "pipelines")
	writeFile(t, filepath.Join(root, "hello", "pipeline.json"), `{
  "id": "hello",
  "expression": "* * * * *",
  "stages": ["greet"],
  "jobs": [{"id": "say", "stage": "greet", "script": "say.sh"}]
}`, 0o644)
	writeFile(t, filepath.Join(root, "hello", "say.sh"), "echo ran >> out.txt\n", 0o755)

	cfgPath := filepath.Join(dir, "cronpipe.yaml")
	writeFile(t, cfgPath, `
pipelines: `+root+`
refresh: 1
watch: false
logging:
  level: error
  console: false
`, 0o644)

	a, err := New(cfgPath, config.Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		recs, err := a.History(ctx, "hello", 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) > 0 {
			if !recs[0].OK {
				t.Fatalf("run failed: %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not run")
		}
		time.Sleep(50 * time.Millisecond)
	}

	b, err := os.ReadFile(filepath.Join(root, "hello", "out.txt"))
	if err != nil || !strings.Contains(string(b), "ran") {
		t.Fatalf("out.txt = %q, %v", b, err)
	}

	st := a.Status()
	if len(st.Pipelines) != 1 || st.Pipelines[0] != "hello" || len(st.Goroutines) == 0 {
		t.Fatalf("status = %+v", st)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Stop(sctx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("unexpected fatal error: %v", a.Err())
	}
}

func TestJobEnvIsSorted(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Executor.Env = map[string]string{"B": "2", "A": "1=one"}
	if got := jobEnv(cfg); !reflect.DeepEqual(got, []string{"A=1=one", "B=2"}) {
		t.Fatalf("jobEnv = %v", got)
	}
}
