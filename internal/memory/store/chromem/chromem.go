// Package chromem implements memory.Store on the embedded chromem-go vector
// database.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemo-oss/mnemo/internal/memory"
)

const (
	metaNamespace = "mnemo_namespace"
	metaCreatedAt = "mnemo_created_at"
	metaUpdatedAt = "mnemo_updated_at"
)

// Store keeps one collection per namespace root pair (for example
// "memories/alice"), so a user-level prefix search is a plain collection
// query and deeper namespaces filter on metadata.
type Store struct {
	db          *chromem.DB
	embedder    memory.Embedder
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// New creates a store. An empty path keeps everything in memory; otherwise
// the database is persisted under path.
func New(path string, embedder memory.Embedder) (*Store, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	return &Store{
		db:          db,
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(ns memory.Namespace) string {
	if len(ns) > 2 {
		return ns[:2].String()
	}
	return ns.String()
}

// collection returns the collection for ns, creating it on first use.
func (s *Store) collection(ns memory.Namespace) (*chromem.Collection, error) {
	name := collectionName(ns)

	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always supplied by the store, so no embedding func.
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[name] = col
	return col, nil
}

// where filters a collection down to ns when ns is deeper than the
// collection itself.
func where(ns memory.Namespace) map[string]string {
	if len(ns) <= 2 {
		return nil
	}
	return map[string]string{metaNamespace: ns.String()}
}

func (s *Store) Put(ctx context.Context, ns memory.Namespace, item memory.Item, mode memory.UpdateMode) (memory.Item, error) {
	if len(ns) < 2 {
		return item, fmt.Errorf("namespace %s must have at least two segments", ns)
	}

	col, err := s.collection(ns)
	if err != nil {
		return item, err
	}

	id := item.ID
	if mode == memory.ModePatch {
		id = memory.PatchID(ns)
	}
	var existing *memory.Item
	if id != "" {
		if doc, err := col.GetByID(ctx, id); err == nil {
			found := toItem(doc.ID, doc.Content, doc.Metadata, 0)
			if found.Namespace.String() != ns.String() {
				return item, fmt.Errorf("memory %s belongs to namespace %s", id, found.Namespace)
			}
			existing = &found
		}
	}

	item, err = memory.Prepare(ns, item, mode, existing)
	if err != nil {
		return item, err
	}

	embedding, err := s.embedder.Embed(ctx, item.Content)
	if err != nil {
		return item, fmt.Errorf("embed memory: %w", err)
	}

	metadata := make(map[string]string, len(item.Metadata)+3)
	for k, v := range item.Metadata {
		metadata[k] = v
	}
	metadata[metaNamespace] = ns.String()
	metadata[metaCreatedAt] = item.CreatedAt.Format(time.RFC3339Nano)
	metadata[metaUpdatedAt] = item.UpdatedAt.Format(time.RFC3339Nano)

	err = col.AddDocument(ctx, chromem.Document{
		ID:        item.ID,
		Content:   item.Content,
		Embedding: embedding,
		Metadata:  metadata,
	})
	if err != nil {
		return item, fmt.Errorf("add document: %w", err)
	}
	return item, nil
}

func (s *Store) Get(ctx context.Context, ns memory.Namespace, id string) (*memory.Item, error) {
	col, err := s.collection(ns)
	if err != nil {
		return nil, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		// chromem reports a missing document as an error
		return nil, nil
	}
	item := toItem(doc.ID, doc.Content, doc.Metadata, 0)
	if !item.Namespace.HasPrefix(ns) {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) Search(ctx context.Context, ns memory.Namespace, query string, limit int) ([]memory.Item, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	items, err := s.query(ctx, ns, embedding, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return items, nil
}

func (s *Store) List(ctx context.Context, ns memory.Namespace, limit int) ([]memory.Item, error) {
	// chromem has no scan, so list by querying with a probe vector for every
	// document and ordering by recency.
	probe, err := s.embedder.Embed(ctx, ns.String())
	if err != nil {
		return nil, fmt.Errorf("embed probe: %w", err)
	}
	items, err := s.query(ctx, ns, probe, 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	for i := range items {
		items[i].Score = 0
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// query runs a similarity query bounded by the collection size, which
// chromem requires. limit <= 0 returns every match.
func (s *Store) query(ctx context.Context, ns memory.Namespace, embedding []float32, limit int) ([]memory.Item, error) {
	col, err := s.collection(ns)
	if err != nil {
		return nil, err
	}

	n := col.Count()
	if n == 0 {
		return []memory.Item{}, nil
	}
	if limit > 0 && limit < n {
		n = limit
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, where(ns), nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	items := make([]memory.Item, 0, len(results))
	for _, r := range results {
		items = append(items, toItem(r.ID, r.Content, r.Metadata, float64(r.Similarity)))
	}
	return items, nil
}

func (s *Store) Delete(ctx context.Context, ns memory.Namespace, id string) error {
	col, err := s.collection(ns)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, id)
}

// Close releases resources. chromem persists on every write, so there is
// nothing to flush.
func (s *Store) Close() error {
	return nil
}

func toItem(id, content string, meta map[string]string, score float64) memory.Item {
	item := memory.Item{
		ID:        id,
		Content:   content,
		Namespace: memory.ParseNamespace(meta[metaNamespace]),
		Score:     score,
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, meta[metaUpdatedAt])

	for k, v := range meta {
		if strings.HasPrefix(k, "mnemo_") {
			continue
		}
		if item.Metadata == nil {
			item.Metadata = make(map[string]string)
		}
		item.Metadata[k] = v
	}
	return item
}
