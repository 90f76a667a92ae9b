package state

import (
	"time"
)

// RunKind distinguishes conversation turns from scheduled memory runs.
type RunKind string

const (
	KindConversation RunKind = "conversation"
	KindMemory       RunKind = "memory"
)

// Run and step statuses.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSuperseded = "superseded" // memory run replaced by a newer request
)

// RunState records one conversation turn or one memory run
type RunState struct {
	ID          string                 `json:"id"`
	Kind        RunKind                `json:"kind"`
	ThreadID    string                 `json:"thread_id"`
	UserID      string                 `json:"user_id,omitempty"`
	Status      string                 `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Node        string                 `json:"node,omitempty"` // node that failed the run
	Steps       []StepState            `json:"steps"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// StepState records one node execution (chat, tools, extract:<type>, ...).
// Steps with the same name are kept in order of execution.
type StepState struct {
	Name        string                 `json:"name"`
	Status      string                 `json:"status"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
}

// NewRunState creates a new run state
func NewRunState(id string, kind RunKind, threadID, userID string) *RunState {
	return &RunState{
		ID:        id,
		Kind:      kind,
		ThreadID:  threadID,
		UserID:    userID,
		Status:    StatusPending,
		StartedAt: time.Now(),
		Steps:     []StepState{},
		Outputs:   make(map[string]interface{}),
		Metadata:  make(map[string]interface{}),
	}
}

// LastStep returns the most recent step with the given name.
func (r *RunState) LastStep(name string) *StepState {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// IsTerminal reports whether the run has finished in any way.
func (r *RunState) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusSuperseded:
		return true
	}
	return false
}

// Duration returns how long the run took, or has taken so far.
func (r *RunState) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
