package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Alert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{" DEBUG ", zerolog.DebugLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("pipeline loaded", String("pipeline", "etl"), Int("jobs", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["pipeline"] != "etl" || m["message"] != "pipeline loaded" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["jobs"].(float64) != 3 {
		t.Fatalf("jobs = %v", m["jobs"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","time":"x","caller":"a.go:1","message":"run failed","pipeline":"etl","code":2}`
	got := FormatAlert([]byte(line))
	if !strings.HasPrefix(got, "[ERROR] run failed") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "- code=2") || !strings.Contains(got, "- pipeline=etl") {
		t.Fatalf("missing fields: %q", got)
	}
	if strings.Contains(got, "caller") {
		t.Fatalf("caller should be dropped: %q", got)
	}
	if got := FormatAlert([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("raw fallback = %q", got)
	}
}

func TestServiceAlertSinkMinLevel(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{Level: "debug", Console: false, File: FileConfig{Enabled: true, Path: t.TempDir() + "/out.log"}, Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}}, sink)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("below threshold")
	log.Error("above threshold", String("pipeline", "etl"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("alerts = %d, want 1", sink.count())
	}
	sink.mu.Lock()
	msg := sink.msgs[0]
	sink.mu.Unlock()
	if !strings.Contains(msg, "above threshold") {
		t.Fatalf("unexpected alert: %q", msg)
	}
}
