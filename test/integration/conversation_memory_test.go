//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mnemo-oss/mnemo/internal/agent"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/memory/store/chromem"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/scheduler"
	"github.com/mnemo-oss/mnemo/internal/state"
	"github.com/mnemo-oss/mnemo/internal/testutil"
	"github.com/mnemo-oss/mnemo/internal/thread"
)

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// scriptedModel answers conversation calls with a greeting and extraction
// calls with one upsert_memory followed by "done".
func scriptedModel(req *provider.CompletionRequest) (*provider.Response, error) {
	if hasTag(req.Tags, memory.TagExtraction) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == message.RoleTool {
			return testutil.Reply("done"), nil
		}
		return testutil.CallTool("m1", "upsert_memory", `{"content":"Likes hiking in the mountains"}`), nil
	}
	return testutil.Reply("Nice to meet you!"), nil
}

type stack struct {
	runtime *agent.Runtime
	ledger  *state.Manager
	store   memory.Store
	clock   *scheduler.FakeClock
	sched   *scheduler.Debouncer
	model   *testutil.MockProvider
}

func newStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()
	logger := testutil.TestLogger()

	threads, err := thread.NewSQLiteStore(filepath.Join(dir, "threads.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { threads.Close() })

	ledger, err := state.NewManager("sqlite", filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	store, err := chromem.New("", memory.NewHashEmbedder(128))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	model := &testutil.MockProvider{Handler: scriptedModel}

	registry, err := memory.BuildRegistry([]memory.TypeSpec{
		{Name: "User", Mode: memory.ModeInsert, Instructions: "Record facts about the user."},
	}, memory.ManagerOptions{Provider: model, Model: "mock-model", Store: store, MaxSteps: 3, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	runner := memory.NewRunner(memory.RunnerOptions{
		Threads: threads,
		FanOut:  memory.NewFanOut(registry, 0, logger, nil),
		Ledger:  ledger,
		Logger:  logger,
	})

	clock := scheduler.NewFakeClock(time.Now())
	sched := scheduler.NewDebouncer(runner.Handle, scheduler.DebouncerOptions{Clock: clock, Hooks: runner.Hooks(), Logger: logger})
	t.Cleanup(func() { sched.Close() })

	rt, err := agent.NewRuntime(agent.Options{
		Threads: threads,
		Invoker: agent.NewInvoker(agent.InvokerOptions{
			Provider:     model,
			Model:        "mock-model",
			SystemPrompt: "You are helpful.\n{user_info}\nSystem Time: {time}",
			Retriever:    memory.NewRetriever(store, 3, 10),
			Logger:       logger,
		}),
		Scheduler:     sched,
		DebounceDelay: time.Minute,
		Ledger:        ledger,
		Logger:        logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })

	return &stack{runtime: rt, ledger: ledger, store: store, clock: clock, sched: sched, model: model}
}

func (s *stack) say(t *testing.T, threadID, content string) *agent.Output {
	t.Helper()
	out, err := s.runtime.Run(context.Background(), agent.Input{
		ThreadID: threadID,
		UserID:   "ada",
		Message:  message.NewUser(content),
	})
	if err != nil {
		t.Fatalf("turn %q: %v", content, err)
	}
	return out
}

func TestConversation_MemoryRecalledOnNewThread(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	first := s.say(t, "t1", "Hi, I'm Ada and I like hiking")
	second := s.say(t, "t1", "Talk soon")
	if first.MemoryRunID == "" || second.MemoryRunID == "" || first.MemoryRunID == second.MemoryRunID {
		t.Fatalf("expected two distinct memory runs, got %q and %q", first.MemoryRunID, second.MemoryRunID)
	}

	// The second turn arrived inside the debounce window.
	run, err := s.ledger.GetRun(first.MemoryRunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != state.StatusSuperseded {
		t.Errorf("expected first memory run superseded, got %s", run.Status)
	}

	s.clock.Advance(time.Minute)
	if err := s.sched.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	run, err = s.ledger.GetRun(second.MemoryRunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != state.StatusCompleted {
		t.Fatalf("expected memory run completed, got %s (%s)", run.Status, run.Error)
	}

	items, err := s.store.List(ctx, memory.ForType("ada", "User"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Content != "Likes hiking in the mountains" {
		t.Fatalf("unexpected memories: %+v", items)
	}

	s.say(t, "t2", "What should I do this weekend?")
	system := s.model.LastCall().System
	if !strings.Contains(system, "<memories>") || !strings.Contains(system, "Likes hiking in the mountains") {
		t.Errorf("expected recalled memory in system prompt, got %q", system)
	}
}

func TestConversation_ThreadsPersistAcrossRuntimes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threads.db")

	store, err := thread.NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Append(ctx, "t1", message.NewUser("hello"), message.NewAssistant("hi")); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := thread.NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	msgs, err := reopened.Messages(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Role != message.RoleAssistant {
		t.Errorf("unexpected messages after reopen: %+v", msgs)
	}
}
