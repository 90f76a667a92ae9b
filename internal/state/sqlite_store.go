package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	thread_id    TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	data         JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_kind_status ON runs(kind, status);
`

// SQLiteStore keeps the ledger in a SQLite file. Indexed columns mirror the
// JSON document so filters run in SQL.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRun(run *RunState) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var completed interface{}
	if !run.CompletedAt.IsZero() {
		completed = run.CompletedAt.UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, kind, thread_id, status, started_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			data = excluded.data`,
		run.ID, string(run.Kind), run.ThreadID, run.Status, run.StartedAt.UTC(), completed, data)
	return err
}

func (s *SQLiteStore) GetRun(id string) (*RunState, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var run RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

func (s *SQLiteStore) FindRuns(f RunFilter) ([]*RunState, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	q := "SELECT data FROM runs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run RunState
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) PruneRuns(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
