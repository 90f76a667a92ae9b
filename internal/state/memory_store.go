package state

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process memory. Runs are copied on the
// way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*RunState)}
}

func (s *MemoryStore) SaveRun(run *RunState) error {
	s.mu.Lock()
	s.runs[run.ID] = copyRun(run)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetRun(id string) (*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return copyRun(run), nil
}

func (s *MemoryStore) FindRuns(f RunFilter) ([]*RunState, error) {
	s.mu.RLock()
	var runs []*RunState
	for _, run := range s.runs {
		if f.matches(run) {
			runs = append(runs, copyRun(run))
		}
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

func (s *MemoryStore) PruneRuns(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, run := range s.runs {
		if !run.CompletedAt.IsZero() && run.CompletedAt.Before(before) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
