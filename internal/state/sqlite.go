package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "cronpipe/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sortableTime keeps history rows ordered when compared as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	path string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes TryStart.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, path: path}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ioErr(id, op string, err error) error {
	return &StateIOError{ID: id, Path: s.path, Op: op, Err: err}
}

func (s *sqliteStore) Load(ctx context.Context, id string) (RunState, error) {
	var (
		active int
		ts     string
	)
	err := s.db.QueryRowContext(ctx, `SELECT active, timestamp FROM run_state WHERE id = ?`, id).Scan(&active, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(id), nil
	}
	if err != nil {
		return Default(id), s.ioErr(id, "read", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return Default(id), s.ioErr(id, "decode", err)
	}
	return RunState{ID: id, Active: active != 0, Timestamp: t}, nil
}

func (s *sqliteStore) TryStart(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_state(id, active, timestamp) VALUES(?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET active = 1, timestamp = excluded.timestamp
		 WHERE run_state.active = 0`,
		id, formatTime(now),
	)
	if err != nil {
		return false, s.ioErr(id, "write", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.ioErr(id, "write", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) put(ctx context.Context, st RunState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_state(id, active, timestamp) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active, timestamp = excluded.timestamp`,
		st.ID, boolInt(st.Active), formatTime(st.Timestamp),
	)
	if err != nil {
		return s.ioErr(st.ID, "write", err)
	}
	return nil
}

func (s *sqliteStore) MarkStarted(ctx context.Context, id string, now time.Time) error {
	return s.put(ctx, RunState{ID: id, Active: true, Timestamp: now})
}

func (s *sqliteStore) MarkFinished(ctx context.Context, id string, now time.Time) error {
	return s.put(ctx, RunState{ID: id, Active: false, Timestamp: now})
}

func (s *sqliteStore) Recover(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE run_state SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return false, s.ioErr(id, "write", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.ioErr(id, "write", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	failed, err := json.Marshal(r.Failed)
	if err != nil {
		return err
	}
	skipped, err := json.Marshal(r.Skipped)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_history(run_id, pipeline, started, finished, ok, failed, skipped)
		 VALUES(?,?,?,?,?,?,?)`,
		r.RunID, r.Pipeline,
		r.Started.UTC().Format(sortableTime), r.Finished.UTC().Format(sortableTime),
		boolInt(r.OK), string(failed), string(skipped),
	)
	return err
}

func (s *sqliteStore) History(ctx context.Context, id string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started, finished, ok, failed, skipped FROM run_history
		 WHERE pipeline = ? ORDER BY started DESC LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished string
			ok                int
			failed, skipped   sql.NullString
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &ok, &failed, &skipped); err != nil {
			return nil, err
		}
		r.Pipeline = id
		r.OK = ok != 0
		r.Started, _ = time.Parse(sortableTime, started)
		r.Finished, _ = time.Parse(sortableTime, finished)
		if failed.Valid {
			_ = json.Unmarshal([]byte(failed.String), &r.Failed)
		}
		if skipped.Valid {
			_ = json.Unmarshal([]byte(skipped.String), &r.Skipped)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
