package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/mnemo-oss/mnemo/internal/message"
)

// Retriever looks up the memories relevant to the tail of a conversation.
type Retriever struct {
	store  Store
	window int
	limit  int
}

// NewRetriever creates a retriever that builds its query from the last
// window messages and returns at most limit items.
func NewRetriever(store Store, window, limit int) *Retriever {
	if window < 1 {
		window = 1
	}
	if limit < 1 {
		limit = 1
	}
	return &Retriever{store: store, window: window, limit: limit}
}

// Query returns the search text for msgs: the content of the last window
// messages joined by newlines.
func (r *Retriever) Query(msgs []message.Message) string {
	tail := message.Last(msgs, r.window)
	parts := make([]string, 0, len(tail))
	for _, m := range tail {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// Retrieve searches every memory type of userID, most relevant first. An
// empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, userID string, msgs []message.Message) ([]Item, error) {
	query := r.Query(msgs)
	if query == "" {
		return nil, nil
	}

	items, err := r.store.Search(ctx, ForUser(userID), query, r.limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > r.limit {
		items = items[:r.limit]
	}
	return items, nil
}
