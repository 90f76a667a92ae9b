package event

import (
	"context"
	"fmt"
	"sync"
)

// Logger is the subset of the telemetry logger the bus needs.
type Logger interface {
	Warn(msg string, keyvals ...interface{})
}

// Bus fans lifecycle events out to hooks.
//
// Blocking hooks run in registration order on the emitting goroutine, and the
// first failure aborts the emit. Non-blocking hooks run on their own
// goroutines; their failures and panics are logged and never reach the
// emitter. A nil *Bus accepts every call and does nothing.
type Bus struct {
	mu      sync.RWMutex
	hooks   []Hook
	enabled bool
	logger  Logger

	inflight sync.WaitGroup
}

// NewBus returns an enabled bus. logger may be nil.
func NewBus(logger Logger) *Bus {
	return &Bus{enabled: true, logger: logger}
}

// Register appends h. Hooks registered while an emit is in progress only see
// later events.
func (b *Bus) Register(h Hook) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	b.hooks = append(b.hooks, h)
	b.mu.Unlock()
}

// SetEnabled pauses or resumes dispatch.
func (b *Bus) SetEnabled(enabled bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

// Len reports the number of registered hooks.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hooks)
}

// Emit delivers ev to every hook whose pattern matches its type.
func (b *Bus) Emit(ev Event) error {
	for _, h := range b.matching(ev.Type) {
		if h.IsBlocking() {
			if err := h.Handle(ev); err != nil {
				return fmt.Errorf("blocking hook %s failed: %w", h.Name(), err)
			}
			continue
		}
		b.inflight.Add(1)
		go b.handleAsync(h, ev)
	}
	return nil
}

// Drain waits for non-blocking hooks started by earlier emits. It returns
// ctx.Err() if they are still running when ctx ends.
func (b *Bus) Drain(ctx context.Context) error {
	if b == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) matching(t EventType) []Hook {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.enabled {
		return nil
	}
	var out []Hook
	for _, h := range b.hooks {
		if h.Matches(t) {
			out = append(out, h)
		}
	}
	return out
}

func (b *Bus) handleAsync(h Hook, ev Event) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.warn("Event hook panicked", h, ev, "panic", r)
		}
	}()
	if err := h.Handle(ev); err != nil {
		b.warn("Event hook failed", h, ev, "error", err)
	}
}

func (b *Bus) warn(msg string, h Hook, ev Event, keyvals ...interface{}) {
	if b.logger == nil {
		return
	}
	kv := append([]interface{}{"hook", h.Name(), "event", string(ev.Type)}, keyvals...)
	if runID := ev.String("run_id"); runID != "" {
		kv = append(kv, "run_id", runID)
	}
	b.logger.Warn(msg, kv...)
}
