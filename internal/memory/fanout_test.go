package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/testutil"
)

// storeExtractor writes one memory per call into its own namespace.
type storeExtractor struct {
	name  string
	store memory.Store
	err   error
	panic bool
	delay time.Duration
	seen  int
}

func (e *storeExtractor) Name() string { return e.name }

func (e *storeExtractor) Extract(ctx context.Context, userID string, msgs []message.Message) (int, error) {
	e.seen = len(msgs)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.panic {
		panic("extractor exploded")
	}
	if e.err != nil {
		return 0, e.err
	}
	_, err := e.store.Put(ctx, memory.ForType(userID, e.name), memory.Item{Content: "from " + e.name}, memory.ModeInsert)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func snapshot() memory.Snapshot {
	return memory.Snapshot{ThreadID: "t1", UserID: "alice", Messages: conversation()}
}

func TestFanOut_IsolatesFailures(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	const k = 5
	var extractors []memory.Extractor
	for i := 0; i < k; i++ {
		ex := &storeExtractor{name: fmt.Sprintf("Type%d", i), store: store}
		if i == 2 {
			ex.err = errors.New("model unavailable")
		}
		extractors = append(extractors, ex)
	}
	reg, err := memory.NewRegistry(extractors...)
	if err != nil {
		t.Fatal(err)
	}
	metrics := telemetry.NewMetrics()
	f := memory.NewFanOut(reg, 0, testutil.TestLogger(), metrics)

	result, err := f.Run(context.Background(), snapshot())
	if err != nil {
		t.Fatalf("unexpected fan-out error: %v", err)
	}

	if len(result.Tasks) != k {
		t.Fatalf("expected %d task results, got %d", k, len(result.Tasks))
	}
	failed := result.Failed()
	if len(failed) != 1 || failed[0].Type != "Type2" {
		t.Fatalf("expected only Type2 to fail, got %+v", failed)
	}
	if failed[0].Node != "extract:Type2" || mnemoerr.NodeOf(failed[0].Err) != "extract:Type2" {
		t.Errorf("expected failure attributed to extract:Type2, got %q", mnemoerr.NodeOf(failed[0].Err))
	}
	if mnemoerr.AsCode(failed[0].Err) != mnemoerr.CodeExtractionFailed {
		t.Errorf("expected EXTRACTION_FAILED, got %v", failed[0].Err)
	}
	if result.Writes() != k-1 {
		t.Errorf("expected %d writes, got %d", k-1, result.Writes())
	}
	for i, task := range result.Tasks {
		ns := memory.ForType("alice", fmt.Sprintf("Type%d", i))
		want := 1
		if i == 2 {
			want = 0
		}
		if n := store.Count(ns); n != want {
			t.Errorf("%s: expected %d memories, got %d", ns, want, n)
		}
		if task.Type != fmt.Sprintf("Type%d", i) {
			t.Errorf("results should keep registry order, got %s at %d", task.Type, i)
		}
	}
	if metrics.ExtractionsOK != k-1 || metrics.ExtractionsFailed != 1 || metrics.MemoryWrites != k-1 {
		t.Errorf("unexpected metrics: ok=%d failed=%d writes=%d",
			metrics.ExtractionsOK, metrics.ExtractionsFailed, metrics.MemoryWrites)
	}
	if result.Err() == nil {
		t.Error("expected joined error from the failed task")
	}
}

func TestFanOut_RecoversPanic(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	good := &storeExtractor{name: "Good", store: store}
	bad := &storeExtractor{name: "Bad", store: store, panic: true}
	reg, _ := memory.NewRegistry(bad, good)

	result, err := memory.NewFanOut(reg, 0, nil, nil).Run(context.Background(), snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failed()) != 1 || result.Failed()[0].Type != "Bad" {
		t.Errorf("expected Bad to fail, got %+v", result.Failed())
	}
	if store.Count(memory.ForType("alice", "Good")) != 1 {
		t.Error("sibling of a panicking task should still write")
	}
}

func TestFanOut_RunsInParallel(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	var extractors []memory.Extractor
	for i := 0; i < 4; i++ {
		extractors = append(extractors, &storeExtractor{name: fmt.Sprintf("T%d", i), store: store, delay: 100 * time.Millisecond})
	}
	reg, _ := memory.NewRegistry(extractors...)

	start := time.Now()
	if _, err := memory.NewFanOut(reg, 0, nil, nil).Run(context.Background(), snapshot()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 350*time.Millisecond {
		t.Errorf("tasks appear to run sequentially: %v", elapsed)
	}
}

type gate struct {
	name    string
	running *int32
	peak    *int32
	mu      *sync.Mutex
}

func (g gate) Name() string { return g.name }

func (g gate) Extract(context.Context, string, []message.Message) (int, error) {
	n := atomic.AddInt32(g.running, 1)
	g.mu.Lock()
	if n > *g.peak {
		*g.peak = n
	}
	g.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(g.running, -1)
	return 0, nil
}

func TestFanOut_Limit(t *testing.T) {
	var running, peak int32
	var mu sync.Mutex
	var extractors []memory.Extractor
	for i := 0; i < 6; i++ {
		extractors = append(extractors, gate{name: fmt.Sprintf("T%d", i), running: &running, peak: &peak, mu: &mu})
	}
	reg, _ := memory.NewRegistry(extractors...)

	if _, err := memory.NewFanOut(reg, 2, nil, nil).Run(context.Background(), snapshot()); err != nil {
		t.Fatal(err)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent tasks, saw %d", peak)
	}
}

func TestFanOut_EmptySnapshot(t *testing.T) {
	ex := &storeExtractor{name: "Note", store: testutil.NewMockMemoryStore()}
	reg, _ := memory.NewRegistry(ex)

	_, err := memory.NewFanOut(reg, 0, nil, nil).Run(context.Background(), memory.Snapshot{UserID: "alice"})
	if mnemoerr.AsCode(err) != mnemoerr.CodeEmptySnapshot {
		t.Errorf("expected EMPTY_SNAPSHOT, got %v", err)
	}
	if ex.seen != 0 {
		t.Error("no task should run for an empty snapshot")
	}
}

func TestFanOut_NoMemoryTypes(t *testing.T) {
	reg, _ := memory.NewRegistry()
	result, err := memory.NewFanOut(reg, 0, nil, nil).Run(context.Background(), snapshot())
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if len(result.Tasks) != 0 || result.Writes() != 0 || result.Err() != nil {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestFanOut_WithManagers(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	p := &testutil.MockProvider{Handler: func(req *provider.CompletionRequest) (*provider.Response, error) {
		for _, m := range req.Messages {
			if m.Role == message.RoleTool {
				return testutil.Reply("done"), nil
			}
		}
		return testutil.CallTool("c1", "upsert_memory", `{"content":"Alice lives in Oslo"}`), nil
	}}
	reg, err := memory.BuildRegistry([]memory.TypeSpec{
		{Name: "User", Mode: memory.ModePatch},
		{Name: "Note", Mode: memory.ModeInsert},
	}, memory.ManagerOptions{Provider: p, Store: store, MaxSteps: 3, Retry: fastRetry()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := memory.NewFanOut(reg, 0, nil, nil).Run(context.Background(), snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if result.Writes() != 2 || result.Err() != nil {
		t.Errorf("expected one write per type, got %d (%v)", result.Writes(), result.Err())
	}
	for _, name := range []string{"User", "Note"} {
		if n := store.Count(memory.ForType("alice", name)); n != 1 {
			t.Errorf("%s: expected 1 memory, got %d", name, n)
		}
	}
}
