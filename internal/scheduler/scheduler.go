// Package scheduler defers work per thread. Issuing a new request for a
// thread supersedes the one still waiting, so a burst of activity results in
// a single run after the thread goes quiet.
package scheduler

import (
	"context"
	"time"
)

// TargetMemory is the target of scheduled memory extraction runs.
const TargetMemory = "memory"

// Request is one scheduled run. Its lifecycle is pending, then either
// superseded by a newer request for the same thread or fired exactly once.
type Request struct {
	ID       string        `json:"id"`
	ThreadID string        `json:"thread_id"`
	UserID   string        `json:"user_id"`
	Target   string        `json:"target"`
	Delay    time.Duration `json:"delay"`
	IssuedAt time.Time     `json:"issued_at"`
}

// Handle identifies a scheduled request.
type Handle struct {
	ID       string
	ThreadID string
	FireAt   time.Time
}

// Handler executes a fired request. It reads whatever state it needs at fire
// time, not at schedule time.
type Handler func(ctx context.Context, req Request) error

// Scheduler accepts requests and returns immediately. Cancellation is
// implicit: scheduling again for a thread supersedes the pending request.
type Scheduler interface {
	Schedule(ctx context.Context, req Request) (Handle, error)
	Close() error
}

// Hooks observe request lifecycle transitions. Any field may be nil. Hooks
// are called without the scheduler's lock held.
type Hooks struct {
	Scheduled  func(Request)
	Superseded func(Request)
	Fired      func(Request)
}

func (h Hooks) scheduled(r Request) {
	if h.Scheduled != nil {
		h.Scheduled(r)
	}
}

func (h Hooks) superseded(r Request) {
	if h.Superseded != nil {
		h.Superseded(r)
	}
}

func (h Hooks) fired(r Request) {
	if h.Fired != nil {
		h.Fired(r)
	}
}
