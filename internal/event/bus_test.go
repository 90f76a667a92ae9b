package event

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger records warn messages.
type testLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *testLogger) Warn(msg string, keyvals ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, msg)
}

func (l *testLogger) Info(msg string, keyvals ...interface{})  {}
func (l *testLogger) Debug(msg string, keyvals ...interface{}) {}

func (l *testLogger) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// recorder appends the type of every event it handles to a shared log,
// prefixed with its name, and optionally fails or panics.
type recorder struct {
	baseHook
	log  *eventLog
	fail error
	fn   func(Event)
}

type eventLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *eventLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, " ")
}

func newRecorder(log *eventLog, name string, blocking bool, patterns ...EventType) *recorder {
	return &recorder{baseHook: baseHook{name: name, events: patterns, blocking: blocking}, log: log}
}

func (r *recorder) Handle(ev Event) error {
	if r.fn != nil {
		r.fn(ev)
	}
	r.log.add(r.name + ":" + string(ev.Type))
	return r.fail
}

// memoryRun emits the events of one debounced extraction that was
// rescheduled once before firing.
func memoryRun(bus *Bus) {
	for _, t := range []EventType{MemoryScheduled, MemoryCancelled, MemoryScheduled, MemoryFired, MemoryExtracted} {
		bus.Emit(NewEvent(t, map[string]interface{}{"thread_id": "t1", "run_id": "mem-1"}))
	}
}

func TestBus_RoutesByPattern(t *testing.T) {
	tests := []struct {
		name     string
		patterns []EventType
		want     string
	}{
		{"memory wildcard", []EventType{"memory.*"},
			"h:memory.scheduled h:memory.cancelled h:memory.scheduled h:memory.fired h:memory.extracted"},
		{"exact types", []EventType{MemoryFired, MemoryExtracted}, "h:memory.fired h:memory.extracted"},
		{"other family", []EventType{"conversation.*"}, ""},
		{"star", []EventType{"*"},
			"h:memory.scheduled h:memory.cancelled h:memory.scheduled h:memory.fired h:memory.extracted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &eventLog{}
			bus := NewBus(nil)
			bus.Register(newRecorder(log, "h", true, tt.patterns...))

			memoryRun(bus)

			if got := log.String(); got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestBus_BlockingHooksRunInOrderAndStopAtFailure(t *testing.T) {
	log := &eventLog{}
	bus := NewBus(nil)
	bus.Register(newRecorder(log, "audit", true, "memory.*"))
	gate := newRecorder(log, "gate", true, MemoryFired)
	gate.fail = errors.New("quota exceeded")
	bus.Register(gate)
	bus.Register(newRecorder(log, "after", true, "memory.*"))

	if err := bus.Emit(NewEvent(MemoryScheduled, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := bus.Emit(NewEvent(MemoryFired, nil))
	if err == nil || !strings.Contains(err.Error(), "blocking hook gate failed") {
		t.Fatalf("expected the gate to abort the emit, got %v", err)
	}

	want := "audit:memory.scheduled after:memory.scheduled audit:memory.fired gate:memory.fired"
	if got := log.String(); got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestBus_NonBlockingFailuresOnlyWarn(t *testing.T) {
	logger := &testLogger{}
	log := &eventLog{}
	bus := NewBus(logger)

	failing := newRecorder(log, "webhook", false, MemoryFailed)
	failing.fail = errors.New("502 from receiver")
	bus.Register(failing)
	panicky := newRecorder(log, "script", false, MemoryFailed)
	panicky.fn = func(Event) { panic("nil map") }
	bus.Register(panicky)

	if err := bus.Emit(NewEvent(MemoryFailed, map[string]interface{}{"run_id": "mem-2"})); err != nil {
		t.Fatalf("non-blocking hooks must not fail the emit: %v", err)
	}
	if err := bus.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	warnings := strings.Join(logger.seen(), ",")
	if !strings.Contains(warnings, "Event hook failed") || !strings.Contains(warnings, "Event hook panicked") {
		t.Errorf("expected a failure and a panic warning, got %q", warnings)
	}
}

func TestBus_DrainWaitsForInflightHooks(t *testing.T) {
	log := &eventLog{}
	bus := NewBus(nil)
	release := make(chan struct{})
	slow := newRecorder(log, "export", false, MemoryExtracted)
	slow.fn = func(Event) { <-release }
	bus.Register(slow)

	memoryRun(bus)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain to time out while the hook is held, got %v", err)
	}
	if log.String() != "" {
		t.Fatal("hook finished before release")
	}

	close(release)
	if err := bus.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := log.String(); got != "export:memory.extracted" {
		t.Errorf("unexpected log %q", got)
	}
}

func TestBus_DisabledDropsEvents(t *testing.T) {
	log := &eventLog{}
	bus := NewBus(nil)
	bus.Register(newRecorder(log, "h", true))

	bus.SetEnabled(false)
	memoryRun(bus)
	bus.SetEnabled(true)
	bus.Emit(NewEvent(ConversationStarted, nil))

	if got := log.String(); got != "h:conversation.started" {
		t.Errorf("unexpected log %q", got)
	}
}

func TestBus_Nil(t *testing.T) {
	var bus *Bus
	bus.Register(nil)
	bus.SetEnabled(false)
	if err := bus.Emit(NewEvent(MemoryFired, nil)); err != nil {
		t.Errorf("Emit: %v", err)
	}
	if err := bus.Drain(context.Background()); err != nil {
		t.Errorf("Drain: %v", err)
	}
	if bus.Len() != 0 {
		t.Error("nil bus has no hooks")
	}
}

func TestBus_ConcurrentThreads(t *testing.T) {
	bus := NewBus(nil)
	var blockingN, asyncN atomic.Int64
	counter := func(n *atomic.Int64, blocking bool) *recorder {
		r := newRecorder(&eventLog{}, "count", blocking, "memory.*")
		r.fn = func(Event) { n.Add(1) }
		return r
	}
	bus.Register(counter(&blockingN, true))
	bus.Register(counter(&asyncN, false))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			memoryRun(bus)
		}()
	}
	wg.Wait()
	if err := bus.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	if blockingN.Load() != 100 || asyncN.Load() != 100 {
		t.Errorf("expected 100 deliveries each, got blocking=%d non-blocking=%d", blockingN.Load(), asyncN.Load())
	}
}
