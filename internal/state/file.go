package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronpipe/pkg/logx"
)

const historyFile = "history.jsonl"

// fileStore keeps state in plain files under one directory.
//
// Files:
//   - <dir>/<id>.json      (one record per pipeline, rewritten atomically)
//   - <dir>/history.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger
	dir string

	// mu serializes every read-modify-write so TryStart is atomic.
	mu sync.Mutex

	historyFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	hf, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, historyFile: hf}, nil
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}

func (s *fileStore) Load(ctx context.Context, id string) (RunState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *fileStore) loadLocked(id string) (RunState, error) {
	path := s.path(id)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(id), nil
	}
	if err != nil {
		return Default(id), &StateIOError{ID: id, Path: path, Op: "read", Err: err}
	}
	var st RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return Default(id), &StateIOError{ID: id, Path: path, Op: "decode", Err: err}
	}
	// The file name is authoritative.
	st.ID = id
	return st, nil
}

func (s *fileStore) TryStart(ctx context.Context, id string, now time.Time) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked(id)
	if err != nil {
		// Corrupt state is treated as never-run; the write below repairs it.
		s.log.Warn("state unreadable; treating pipeline as never run", logx.String("pipeline", id), logx.Err(err))
	}
	if cur.Active {
		return false, nil
	}
	if err := s.writeLocked(RunState{ID: id, Active: true, Timestamp: now}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) MarkStarted(ctx context.Context, id string, now time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(RunState{ID: id, Active: true, Timestamp: now})
}

func (s *fileStore) MarkFinished(ctx context.Context, id string, now time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(RunState{ID: id, Active: false, Timestamp: now})
}

func (s *fileStore) Recover(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked(id)
	if err != nil || !cur.Active {
		return false, err
	}
	cur.Active = false
	if err := s.writeLocked(cur); err != nil {
		return true, err
	}
	return true, nil
}

// writeLocked replaces the record via temp file + fsync + rename so readers
// only ever see a complete file.
func (s *fileStore) writeLocked(st RunState) error {
	path := s.path(st.ID)
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &StateIOError{ID: st.ID, Path: path, Op: "encode", Err: err}
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.dir, "."+st.ID+".*.tmp")
	if err != nil {
		return &StateIOError{ID: st.ID, Path: path, Op: "write", Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &StateIOError{ID: st.ID, Path: path, Op: "write", Err: err}
	}
	if _, err := tmp.Write(b); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &StateIOError{ID: st.ID, Path: path, Op: "write", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &StateIOError{ID: st.ID, Path: path, Op: "rename", Err: err}
	}
	syncDir(s.dir)
	return nil
}

// syncDir makes the rename durable. Not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.historyFile).Encode(r)
}

func (s *fileStore) History(ctx context.Context, id string, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, historyFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r RunRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn last line after a crash is skipped.
			continue
		}
		if r.Pipeline != id {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
