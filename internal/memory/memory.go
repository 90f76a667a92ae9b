// Package memory implements long-term memory: the namespaced store contract,
// retrieval for prompt enrichment, and per-type extraction fanned out over a
// conversation snapshot.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Root is the first segment of every memory namespace.
const Root = "memories"

// Namespace is a hierarchical key such as ("memories", user_id, type).
// Searching a namespace also searches every namespace it prefixes.
type Namespace []string

// ForUser returns the namespace holding all of a user's memories.
func ForUser(userID string) Namespace {
	return Namespace{Root, userID}
}

// ForType returns the namespace a single memory type writes to.
func ForType(userID, memoryType string) Namespace {
	return Namespace{Root, userID, memoryType}
}

func (ns Namespace) String() string {
	return strings.Join(ns, "/")
}

// HasPrefix reports whether prefix is a leading subsequence of ns.
func (ns Namespace) HasPrefix(prefix Namespace) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i := range prefix {
		if ns[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Validate rejects empty namespaces and segments that would collide once
// joined.
func (ns Namespace) Validate() error {
	if len(ns) == 0 {
		return fmt.Errorf("namespace is empty")
	}
	for _, s := range ns {
		if s == "" || strings.Contains(s, "/") {
			return fmt.Errorf("invalid namespace segment %q in %s", s, ns)
		}
	}
	return nil
}

// ParseNamespace is the inverse of Namespace.String.
func ParseNamespace(s string) Namespace {
	return Namespace(strings.Split(s, "/"))
}

// UpdateMode controls how an extraction writes to its namespace.
type UpdateMode string

const (
	// ModeInsert keeps a collection of memories; new ones get fresh IDs and
	// existing ones are updated by ID.
	ModeInsert UpdateMode = "insert"
	// ModePatch keeps one document per namespace that is rewritten in place.
	ModePatch UpdateMode = "patch"
)

// Item is a stored memory.
type Item struct {
	ID        string            `json:"id"`
	Namespace Namespace         `json:"namespace"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float64           `json:"score,omitempty"` // similarity, set by Search
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the persistent namespaced memory store.
type Store interface {
	// Put writes item into ns according to mode and returns what was stored.
	Put(ctx context.Context, ns Namespace, item Item, mode UpdateMode) (Item, error)

	// Get returns one item, or nil if it does not exist.
	Get(ctx context.Context, ns Namespace, id string) (*Item, error)

	// Search returns up to limit items under the ns prefix ordered by
	// similarity to query, most similar first.
	Search(ctx context.Context, ns Namespace, query string, limit int) ([]Item, error)

	// List returns up to limit items under the ns prefix, most recently
	// updated first. limit <= 0 means no limit.
	List(ctx context.Context, ns Namespace, limit int) ([]Item, error)

	// Delete removes an item. Deleting a missing item is not an error.
	Delete(ctx context.Context, ns Namespace, id string) error

	Close() error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// PatchID is the fixed item ID of the single document in a patch-mode
// namespace.
func PatchID(ns Namespace) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mnemo:patch:"+ns.String())).String()
}

// Prepare normalises item for a write into ns under mode: patch mode pins the
// ID, insert mode assigns a new ID when none is given. Timestamps are set
// from existing when the item already exists. Stores call this from Put.
func Prepare(ns Namespace, item Item, mode UpdateMode, existing *Item) (Item, error) {
	if err := ns.Validate(); err != nil {
		return item, err
	}
	switch mode {
	case ModePatch:
		item.ID = PatchID(ns)
	case ModeInsert, "":
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
	default:
		return item, fmt.Errorf("unknown update mode: %s", mode)
	}

	now := time.Now().UTC()
	item.Namespace = append(Namespace(nil), ns...)
	item.Score = 0
	item.UpdatedAt = now
	item.CreatedAt = now
	if existing != nil && !existing.CreatedAt.IsZero() {
		item.CreatedAt = existing.CreatedAt
	}
	return item, nil
}

// FormatMemories renders items for the {user_info} slot of the system
// prompt. No items renders as the empty string.
func FormatMemories(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<memories>\n")
	for _, it := range items {
		fmt.Fprintf(&b, "[%s]: %s (similarity: %.2f)\n", it.ID, it.Content, it.Score)
	}
	b.WriteString("</memories>")
	return b.String()
}
