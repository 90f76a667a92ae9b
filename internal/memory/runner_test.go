package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/scheduler"
	"github.com/mnemo-oss/mnemo/internal/state"
	"github.com/mnemo-oss/mnemo/internal/testutil"
)

func newRunner(h *testutil.TestHarness, extractors ...memory.Extractor) *memory.Runner {
	reg, err := memory.NewRegistry(extractors...)
	if err != nil {
		h.T.Fatal(err)
	}
	return memory.NewRunner(memory.RunnerOptions{
		Threads: h.Threads,
		FanOut:  memory.NewFanOut(reg, 0, h.Logger, h.Metrics),
		Ledger:  h.StateMgr,
		Bus:     h.EventBus,
		Logger:  h.Logger,
	})
}

func TestRunner_ReadsThreadAtFireTime(t *testing.T) {
	h := testutil.NewTestHarness(t)
	ctx := context.Background()
	ex := &storeExtractor{name: "Note", store: h.Memories}
	r := newRunner(h, ex)

	_ = h.Threads.Append(ctx, "t1", message.NewUser("one"))
	_ = h.Threads.Append(ctx, "t1", message.NewAssistant("two"), message.NewUser("three"))

	err := r.Handle(ctx, scheduler.Request{ID: "run-1", ThreadID: "t1", UserID: "alice", Target: scheduler.TargetMemory})
	if err != nil {
		t.Fatal(err)
	}
	if ex.seen != 3 {
		t.Errorf("expected the 3 messages present at fire time, got %d", ex.seen)
	}

	run, err := h.StateMgr.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Kind != state.KindMemory || run.Status != state.StatusCompleted {
		t.Errorf("unexpected run: kind=%s status=%s", run.Kind, run.Status)
	}
	if len(run.Steps) != 1 || run.Steps[0].Name != "extract" {
		t.Errorf("expected extract step, got %+v", run.Steps)
	}
	h.AssertEventEmitted(event.MemoryFired)
	h.AssertEventEmitted(event.MemoryExtracted)
	h.AssertNoEvent(event.MemoryFailed)
}

func TestRunner_PartialFailureCompletes(t *testing.T) {
	h := testutil.NewTestHarness(t)
	ctx := context.Background()
	r := newRunner(h,
		&storeExtractor{name: "Good", store: h.Memories},
		&storeExtractor{name: "Bad", err: errors.New("boom")},
	)
	_ = h.Threads.Append(ctx, "t1", message.NewUser("hello"))

	result, err := r.Run(ctx, "run-2", "t1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if result.Writes() != 1 || len(result.Failed()) != 1 {
		t.Errorf("unexpected result: writes=%d failed=%d", result.Writes(), len(result.Failed()))
	}
	run, _ := h.StateMgr.GetRun("run-2")
	if run.Status != state.StatusCompleted {
		t.Errorf("expected completed run, got %s", run.Status)
	}
	if run.Outputs["failed"] == nil {
		t.Error("expected failed types in the run outputs")
	}
	if h.EventCount(event.MemoryExtracted) != 1 || h.EventCount(event.MemoryFailed) != 1 {
		t.Errorf("expected one extracted and one failed event, got %d/%d",
			h.EventCount(event.MemoryExtracted), h.EventCount(event.MemoryFailed))
	}
}

func TestRunner_EmptyThreadFails(t *testing.T) {
	h := testutil.NewTestHarness(t)
	r := newRunner(h, &storeExtractor{name: "Note", store: h.Memories})

	_, err := r.Run(context.Background(), "run-3", "missing", "alice")
	if mnemoerr.AsCode(err) != mnemoerr.CodeEmptySnapshot {
		t.Errorf("expected EMPTY_SNAPSHOT, got %v", err)
	}
	run, _ := h.StateMgr.GetRun("run-3")
	if run.Status != state.StatusFailed || run.Node != "extract" {
		t.Errorf("expected run failed at extract, got %s at %q", run.Status, run.Node)
	}
	h.AssertEventEmitted(event.MemoryFailed)
}

func TestRunner_RejectsOtherTargets(t *testing.T) {
	h := testutil.NewTestHarness(t)
	r := newRunner(h)
	if err := r.Handle(context.Background(), scheduler.Request{ThreadID: "t", Target: "report"}); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestRunner_WithDebouncer(t *testing.T) {
	h := testutil.NewTestHarness(t)
	ctx := context.Background()
	ex := &storeExtractor{name: "Note", store: h.Memories}
	r := newRunner(h, ex)

	d := scheduler.NewDebouncer(r.Handle, scheduler.DebouncerOptions{Logger: h.Logger})
	defer d.Close()

	_ = h.Threads.Append(ctx, "t1", message.NewUser("first"))
	if _, err := d.Schedule(ctx, scheduler.Request{ThreadID: "t1", UserID: "alice", Delay: time.Hour}); err != nil {
		t.Fatal(err)
	}
	_ = h.Threads.Append(ctx, "t1", message.NewAssistant("reply"))
	if _, err := d.Schedule(ctx, scheduler.Request{ThreadID: "t1", UserID: "alice", Delay: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if ex.seen != 2 {
		t.Errorf("expected the latest snapshot, got %d messages", ex.seen)
	}
	if n := h.Memories.Count(memory.ForType("alice", "Note")); n != 1 {
		t.Errorf("expected exactly one extraction run, got %d writes", n)
	}
}

func TestRunner_HooksRecordLedger(t *testing.T) {
	h := testutil.NewTestHarness(t)
	ctx := context.Background()
	r := newRunner(h, &storeExtractor{name: "Note", store: h.Memories})

	d := scheduler.NewDebouncer(r.Handle, scheduler.DebouncerOptions{Hooks: r.Hooks(), Logger: h.Logger})
	defer d.Close()

	_ = h.Threads.Append(ctx, "t1", message.NewUser("hello"))
	first, _ := d.Schedule(ctx, scheduler.Request{ThreadID: "t1", UserID: "alice", Delay: time.Hour})
	second, _ := d.Schedule(ctx, scheduler.Request{ThreadID: "t1", UserID: "alice", Delay: time.Hour})

	run, err := h.StateMgr.GetRun(first.ID)
	if err != nil || run.Status != state.StatusSuperseded {
		t.Errorf("expected first run superseded, got %+v (%v)", run, err)
	}
	run, err = h.StateMgr.GetRun(second.ID)
	if err != nil || run.Status != state.StatusPending {
		t.Errorf("expected second run pending, got %+v (%v)", run, err)
	}

	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	run, _ = h.StateMgr.GetRun(second.ID)
	if run.Status != state.StatusCompleted {
		t.Errorf("expected second run completed, got %s", run.Status)
	}
	if h.EventCount(event.MemoryScheduled) != 2 || h.EventCount(event.MemoryCancelled) != 1 {
		t.Errorf("unexpected scheduling events: scheduled=%d cancelled=%d",
			h.EventCount(event.MemoryScheduled), h.EventCount(event.MemoryCancelled))
	}
}

func TestRunner_RealClockEventsCarryThread(t *testing.T) {
	h := testutil.NewTestHarness(t)
	ctx := context.Background()
	r := newRunner(h, &storeExtractor{name: "Note", store: h.Memories})

	d := scheduler.NewDebouncer(r.Handle, scheduler.DebouncerOptions{Hooks: r.Hooks(), Logger: h.Logger})
	defer d.Close()

	_ = h.Threads.Append(ctx, "t9", message.NewUser("remember I like tea"))
	if _, err := d.Schedule(ctx, scheduler.Request{ThreadID: "t9", UserID: "alice", Delay: 10 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	if !h.WaitForEvent(event.MemoryExtracted, 2*time.Second) {
		t.Fatal("memory run never finished")
	}
	h.AssertEventSequence("t9", event.MemoryScheduled, event.MemoryFired, event.MemoryExtracted)
}
