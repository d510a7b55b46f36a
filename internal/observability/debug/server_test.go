package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cronpipe/internal/state"
	logx "cronpipe/pkg/logx"
)

type fakeSource struct {
	recs []state.RunRecord
	err  error
	last string
}

func (f *fakeSource) Status() Status {
	return Status{Pipelines: []string{"etl"}, Running: []string{}, DroppedEvents: 2}
}

func (f *fakeSource) History(_ context.Context, id string, limit int) ([]state.RunRecord, error) {
	f.last = id
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAndHistory(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 11, 4, 30, 0, 0, time.UTC)
	src := &fakeSource{recs: []state.RunRecord{
		{RunID: "r2", Pipeline: "etl", Started: at.Add(time.Minute), OK: true},
		{RunID: "r1", Pipeline: "etl", Started: at},
	}}
	h := New(Config{}, src, logx.Nop()).Handler()

	rec := get(t, h, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if len(st.Pipelines) != 1 || st.DroppedEvents != 2 {
		t.Fatalf("status = %+v", st)
	}

	rec = get(t, h, "/history/etl?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history code = %d", rec.Code)
	}
	var recs []state.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatal(err)
	}
	if src.last != "etl" || len(recs) != 1 || recs[0].RunID != "r2" {
		t.Fatalf("history = %+v (id %q)", recs, src.last)
	}
}

func TestHistoryErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		src    *fakeSource
		target string
		code   int
	}{
		{"bad limit", &fakeSource{}, "/history/etl?limit=x", http.StatusBadRequest},
		{"zero limit", &fakeSource{}, "/history/etl?limit=0", http.StatusBadRequest},
		{"store error", &fakeSource{err: errors.New("disk")}, "/history/etl", http.StatusInternalServerError},
		{"empty is a list", &fakeSource{}, "/history/none", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := get(t, New(Config{}, tc.src, logx.Nop()).Handler(), tc.target, nil)
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
			if tc.code == http.StatusOK && rec.Body.String() != "[]\n" {
				t.Fatalf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, &fakeSource{}, logx.Nop()).Handler()

	if rec := get(t, h, "/status", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/status?token=nope", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/status?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token: code = %d", rec.Code)
	}
	if rec := get(t, h, "/status", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: code = %d", rec.Code)
	}
	// Liveness stays open.
	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: code = %d", rec.Code)
	}
}

func TestPprofRoutesAreOptIn(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &fakeSource{}, logx.Nop()).Handler()
	if rec := get(t, off, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", rec.Code)
	}
	on := New(Config{Pprof: true}, &fakeSource{}, logx.Nop()).Handler()
	if rec := get(t, on, "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: code = %d", rec.Code)
	}
}

func TestServeRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, &fakeSource{}, logx.Nop())
	if err := s.Serve(context.Background()); err == nil {
		t.Fatal("expected refusal")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, &fakeSource{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		"0.0.0.0:6061":   false,
		":6061":          false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
