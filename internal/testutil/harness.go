package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/mnemo-oss/mnemo/internal/config"
	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/state"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/thread"
)

// TestHarness wires in-memory stores, a mock model and an event bus that
// records every event synchronously.
type TestHarness struct {
	T        *testing.T
	Config   *config.Config
	StateMgr *state.Manager
	Threads  *thread.MemoryStore
	Memories *MockMemoryStore
	EventBus *event.Bus
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Provider *MockProvider

	mu     sync.Mutex
	events []event.Event
}

// NewTestHarness creates a test harness with default configuration.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	stateMgr, err := state.NewManager("memory", "")
	if err != nil {
		t.Fatal(err)
	}

	logger := TestLogger()
	bus := event.NewBus(logger)

	h := &TestHarness{
		T:        t,
		Config:   TestConfig(),
		StateMgr: stateMgr,
		Threads:  thread.NewMemoryStore(),
		Memories: NewMockMemoryStore(),
		EventBus: bus,
		Logger:   logger,
		Metrics:  telemetry.NewMetrics(),
		Provider: &MockProvider{},
	}

	bus.Register(&eventCapture{harness: h})

	return h
}

// SetResponses queues mock provider responses.
func (h *TestHarness) SetResponses(responses ...*provider.Response) {
	h.Provider.Responses = responses
}

// Events returns a copy of the captured events.
func (h *TestHarness) Events() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.Event(nil), h.events...)
}

// AssertEventEmitted checks that an event with the given type was emitted.
func (h *TestHarness) AssertEventEmitted(eventType event.EventType) {
	h.T.Helper()
	if h.EventCount(eventType) == 0 {
		h.T.Errorf("expected event %q to be emitted", eventType)
	}
}

// AssertNoEvent checks that an event type was NOT emitted.
func (h *TestHarness) AssertNoEvent(eventType event.EventType) {
	h.T.Helper()
	if h.EventCount(eventType) > 0 {
		h.T.Errorf("expected event %q NOT to be emitted, but it was", eventType)
	}
}

// EventCount returns the number of events with the given type.
func (h *TestHarness) EventCount(eventType event.EventType) int {
	count := 0
	for _, e := range h.Events() {
		if e.Type == eventType {
			count++
		}
	}
	return count
}

// EventsFor returns the captured events of one thread, in emit order.
func (h *TestHarness) EventsFor(threadID string) []event.Event {
	var out []event.Event
	for _, e := range h.Events() {
		if e.String("thread_id") == threadID {
			out = append(out, e)
		}
	}
	return out
}

// AssertEventSequence checks that the thread's events contain types in this
// relative order. Other events may appear in between.
func (h *TestHarness) AssertEventSequence(threadID string, types ...event.EventType) {
	h.T.Helper()
	next := 0
	var seen []string
	for _, e := range h.EventsFor(threadID) {
		seen = append(seen, string(e.Type))
		if next < len(types) && e.Type == types[next] {
			next++
		}
	}
	if next < len(types) {
		h.T.Errorf("thread %s: expected %q after %v, events were %v", threadID, types[next], types[:next], seen)
	}
}

// WaitForEvent polls until an event of type t has been captured or the
// timeout passes.
func (h *TestHarness) WaitForEvent(t event.EventType, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.EventCount(t) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h.EventCount(t) > 0
}

// eventCapture is a blocking hook that records events.
type eventCapture struct {
	harness *TestHarness
}

func (c *eventCapture) Name() string                 { return "test-capture" }
func (c *eventCapture) Matches(event.EventType) bool { return true }
func (c *eventCapture) IsBlocking() bool             { return true }

func (c *eventCapture) Handle(ev event.Event) error {
	c.harness.mu.Lock()
	c.harness.events = append(c.harness.events, ev)
	c.harness.mu.Unlock()
	return nil
}
