package thread

import (
	"context"
	"sort"
	"sync"

	"github.com/mnemo-oss/mnemo/internal/message"
)

// MemoryStore keeps threads in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]message.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]message.Message)}
}

func (s *MemoryStore) Append(_ context.Context, threadID string, msgs ...message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = message.Add(s.threads[threadID], msgs...)
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, threadID string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.threads[threadID]
	out := make([]message.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
