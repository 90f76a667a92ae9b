package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemo-oss/mnemo/internal/message"
)

// SQLiteStore persists threads in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open thread database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate thread database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thread_messages (
		thread_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (thread_id, message_id)
	);

	CREATE INDEX IF NOT EXISTS idx_thread_messages_seq ON thread_messages(thread_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append upserts msgs. New messages take the next sequence number in the
// thread; replacements keep their position.
func (s *SQLiteStore) Append(ctx context.Context, threadID string, msgs ...message.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range message.Add(nil, msgs...) {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO thread_messages (thread_id, message_id, seq, data)
			VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM thread_messages WHERE thread_id = ?), ?)
			ON CONFLICT(thread_id, message_id) DO UPDATE SET data = excluded.data
		`, threadID, m.ID, threadID, string(data))
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Messages(ctx context.Context, threadID string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM thread_messages WHERE thread_id = ? ORDER BY seq ASC", threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []message.Message{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m message.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT thread_id FROM thread_messages ORDER BY thread_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM thread_messages WHERE thread_id = ?", threadID)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
