// Package sqlite implements memory.Store on SQLite. Similarity search scans
// the namespace's embeddings and ranks them in process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemo-oss/mnemo/internal/memory"
)

// Store persists memories in a SQLite database.
type Store struct {
	db       *sql.DB
	embedder memory.Embedder
}

// New opens (or creates) the database at path.
func New(path string, embedder memory.Embedder) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	s := &Store{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate memory database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		embedding BLOB,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Put(ctx context.Context, ns memory.Namespace, item memory.Item, mode memory.UpdateMode) (memory.Item, error) {
	id := item.ID
	if mode == memory.ModePatch {
		id = memory.PatchID(ns)
	}

	var existing *memory.Item
	if id != "" {
		found, err := s.get(ctx, id)
		if err != nil {
			return item, err
		}
		if found != nil && found.Namespace.String() != ns.String() {
			return item, fmt.Errorf("memory %s belongs to namespace %s", id, found.Namespace)
		}
		existing = found
	}

	item, err := memory.Prepare(ns, item, mode, existing)
	if err != nil {
		return item, err
	}

	embedding, err := s.embedder.Embed(ctx, item.Content)
	if err != nil {
		return item, fmt.Errorf("embed memory: %w", err)
	}

	var metadata []byte
	if len(item.Metadata) > 0 {
		if metadata, err = json.Marshal(item.Metadata); err != nil {
			return item, err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, namespace, content, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, item.ID, ns.String(), item.Content, string(metadata), encodeVector(embedding), item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return item, fmt.Errorf("put memory: %w", err)
	}
	return item, nil
}

func (s *Store) Get(ctx context.Context, ns memory.Namespace, id string) (*memory.Item, error) {
	item, err := s.get(ctx, id)
	if err != nil || item == nil {
		return nil, err
	}
	if !item.Namespace.HasPrefix(ns) {
		return nil, nil
	}
	return item, nil
}

func (s *Store) get(ctx context.Context, id string) (*memory.Item, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, namespace, content, metadata, created_at, updated_at FROM memories WHERE id = ?", id)
	item, _, err := scan(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) Search(ctx context.Context, ns memory.Namespace, query string, limit int) ([]memory.Item, error) {
	q, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, content, metadata, created_at, updated_at, embedding
		FROM memories WHERE namespace = ? OR namespace LIKE ? ESCAPE '\'
	`, ns.String(), escapeLike(ns.String())+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []memory.Item{}
	for rows.Next() {
		item, vec, err := scan(rows, true)
		if err != nil {
			return nil, err
		}
		item.Score = memory.Cosine(q, vec)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) List(ctx context.Context, ns memory.Namespace, limit int) ([]memory.Item, error) {
	query := `
		SELECT id, namespace, content, metadata, created_at, updated_at
		FROM memories WHERE namespace = ? OR namespace LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC`
	args := []interface{}{ns.String(), escapeLike(ns.String()) + "/%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []memory.Item{}
	for rows.Next() {
		item, _, err := scan(rows, false)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Delete(ctx context.Context, ns memory.Namespace, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ? AND namespace = ?", id, ns.String())
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(sc scanner, withEmbedding bool) (memory.Item, []float32, error) {
	var (
		item      memory.Item
		ns        string
		metadata  sql.NullString
		embedding []byte
	)
	dest := []interface{}{&item.ID, &ns, &item.Content, &metadata, &item.CreatedAt, &item.UpdatedAt}
	if withEmbedding {
		dest = append(dest, &embedding)
	}
	if err := sc.Scan(dest...); err != nil {
		return item, nil, err
	}

	item.Namespace = memory.ParseNamespace(ns)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &item.Metadata); err != nil {
			return item, nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return item, decodeVector(embedding), nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

