package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned, wrapped, for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Store persists the run ledger.
type Store interface {
	SaveRun(run *RunState) error
	GetRun(id string) (*RunState, error)
	// FindRuns returns matching runs, newest first.
	FindRuns(f RunFilter) ([]*RunState, error)
	// PruneRuns deletes runs that finished before the given time and
	// reports how many were removed.
	PruneRuns(before time.Time) (int, error)

	Close() error
}

// RunFilter selects runs. Zero fields match everything; a non-positive
// Limit means no limit.
type RunFilter struct {
	ThreadID string
	Kind     RunKind
	Status   string
	Limit    int
}

func (f RunFilter) matches(r *RunState) bool {
	return (f.ThreadID == "" || r.ThreadID == f.ThreadID) &&
		(f.Kind == "" || r.Kind == f.Kind) &&
		(f.Status == "" || r.Status == f.Status)
}

// Manager records conversation and memory runs. Many runs may be active at
// once, one per thread for conversations and any number for memory runs.
type Manager struct {
	store  Store
	mu     sync.Mutex
	active map[string]*RunState
}

// NewManager creates a new state manager
func NewManager(driver, path string) (*Manager, error) {
	var store Store
	var err error

	switch driver {
	case "memory", "":
		store = NewMemoryStore()
	case "sqlite":
		store, err = NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported state driver: %s", driver)
	}

	return NewManagerWithStore(store), nil
}

// NewManagerWithStore creates a manager over an existing store.
func NewManagerWithStore(store Store) *Manager {
	return &Manager{store: store, active: make(map[string]*RunState)}
}

// Close closes the state manager
func (m *Manager) Close() error {
	return m.store.Close()
}

// StartRun creates a running run. An empty id gets a fresh one.
func (m *Manager) StartRun(id string, kind RunKind, threadID, userID string) (*RunState, error) {
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run := NewRunState(id, kind, threadID, userID)
	run.Status = StatusRunning

	if err := m.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	m.active[id] = run
	return copyRun(run), nil
}

// RecordPending stores a run that has been scheduled but not started, such
// as a debounced memory request. A run that already exists is left alone,
// since a short delay can start the run before it is recorded as pending.
func (m *Manager) RecordPending(id string, kind RunKind, threadID, userID string, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; ok {
		return nil
	}
	if existing, err := m.store.GetRun(id); err == nil && existing != nil {
		return nil
	}

	run := NewRunState(id, kind, threadID, userID)
	for k, v := range metadata {
		run.Metadata[k] = v
	}
	if err := m.store.SaveRun(run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Supersede marks a pending run as replaced. Runs that already started are
// left alone.
func (m *Manager) Supersede(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; ok {
		return nil
	}
	run, err := m.store.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status != StatusPending {
		return nil
	}
	run.Status = StatusSuperseded
	run.CompletedAt = time.Now()
	return m.store.SaveRun(run)
}

// StartStep appends a running step to an active run.
func (m *Manager) StartStep(runID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.active[runID]
	if !ok {
		return fmt.Errorf("no active run: %s", runID)
	}
	run.Steps = append(run.Steps, StepState{
		Name:      name,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	})
	return m.store.SaveRun(run)
}

// FinishStep closes the latest step with the given name.
func (m *Manager) FinishStep(runID, name string, attempts int, outputs map[string]interface{}, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.active[runID]
	if !ok {
		return fmt.Errorf("no active run: %s", runID)
	}
	step := run.LastStep(name)
	if step == nil {
		return fmt.Errorf("step not found: %s", name)
	}

	step.Status = StatusCompleted
	step.CompletedAt = time.Now()
	step.Attempts = attempts
	if outputs != nil {
		step.Outputs = outputs
	}
	if err != nil {
		step.Status = StatusFailed
		step.Error = err.Error()
	}
	return m.store.SaveRun(run)
}

// CompleteRun marks the run as complete
func (m *Manager) CompleteRun(runID string, outputs map[string]interface{}) error {
	return m.finish(runID, func(run *RunState) {
		run.Status = StatusCompleted
		run.Outputs = outputs
	})
}

// FailRun marks the run as failed at node.
func (m *Manager) FailRun(runID, node string, err error) error {
	return m.finish(runID, func(run *RunState) {
		run.Status = StatusFailed
		run.Node = node
		run.Error = err.Error()
	})
}

func (m *Manager) finish(runID string, apply func(*RunState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.active[runID]
	if !ok {
		return fmt.Errorf("no active run: %s", runID)
	}
	apply(run)
	run.CompletedAt = time.Now()
	delete(m.active, runID)

	if err := m.store.SaveRun(run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// SetMetadata sets a key-value pair on an active run's metadata.
func (m *Manager) SetMetadata(runID, key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.active[runID]
	if !ok {
		return
	}
	if run.Metadata == nil {
		run.Metadata = make(map[string]interface{})
	}
	run.Metadata[key] = value
}

// GetRun returns a run, active or stored.
func (m *Manager) GetRun(id string) (*RunState, error) {
	m.mu.Lock()
	if run, ok := m.active[id]; ok {
		defer m.mu.Unlock()
		return copyRun(run), nil
	}
	m.mu.Unlock()
	return m.store.GetRun(id)
}

// ActiveRuns returns the number of runs currently executing.
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ListRuns lists recent runs
func (m *Manager) ListRuns(limit int) ([]*RunState, error) {
	return m.store.FindRuns(RunFilter{Limit: limit})
}

// ListThreadRuns lists recent runs of one thread.
func (m *Manager) ListThreadRuns(threadID string, limit int) ([]*RunState, error) {
	return m.store.FindRuns(RunFilter{ThreadID: threadID, Limit: limit})
}

// FindRuns lists recent runs matching f.
func (m *Manager) FindRuns(f RunFilter) ([]*RunState, error) {
	return m.store.FindRuns(f)
}

// Prune removes finished runs older than maxAge. Active and pending runs
// are never removed.
func (m *Manager) Prune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("prune age must be positive, got %s", maxAge)
	}
	return m.store.PruneRuns(time.Now().Add(-maxAge))
}

func copyRun(run *RunState) *RunState {
	cp := *run
	cp.Steps = append([]StepState(nil), run.Steps...)
	cp.Outputs = copyMap(run.Outputs)
	cp.Metadata = copyMap(run.Metadata)
	return &cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
