package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/retry"
	"github.com/mnemo-oss/mnemo/internal/testutil"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func conversation() []message.Message {
	return []message.Message{
		message.NewUser("Hi, I'm Alice and I live in Oslo."),
		message.NewAssistant("Nice to meet you, Alice!"),
	}
}

func newManager(t *testing.T, spec memory.TypeSpec, p provider.Provider, store memory.Store, steps int) *memory.Manager {
	t.Helper()
	m, err := memory.NewManager(spec, memory.ManagerOptions{
		Provider: p,
		Model:    "mock-model",
		Store:    store,
		MaxSteps: steps,
		Retry:    fastRetry(),
		Logger:   testutil.TestLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManager_InsertCreatesMemories(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	p := &testutil.MockProvider{Responses: []*provider.Response{
		testutil.CallTools(
			message.ToolCall{ID: "c1", Name: "upsert_memory", Args: []byte(`{"content":"Name is Alice"}`)},
			message.ToolCall{ID: "c2", Name: "upsert_memory", Args: []byte(`{"content":"Lives in Oslo"}`)},
		),
		testutil.Reply("done"),
	}}
	m := newManager(t, memory.TypeSpec{Name: "Note", Mode: memory.ModeInsert, Instructions: "Record facts."}, p, store, 3)

	writes, err := m.Extract(context.Background(), "alice", conversation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if writes != 2 {
		t.Errorf("expected 2 writes, got %d", writes)
	}
	if n := store.Count(memory.ForType("alice", "Note")); n != 2 {
		t.Errorf("expected 2 stored memories, got %d", n)
	}
	if p.CallCount() != 2 {
		t.Errorf("expected 2 model calls, got %d", p.CallCount())
	}

	first := p.Calls[0]
	if !strings.Contains(first.System, "Record facts.") {
		t.Error("system prompt should carry the type's instructions")
	}
	if len(first.Tools) != 1 || first.Tools[0].Name != "upsert_memory" {
		t.Errorf("expected upsert_memory tool, got %+v", first.Tools)
	}
	if len(first.Tags) != 1 || first.Tags[0] != memory.TagExtraction {
		t.Errorf("expected extraction tag, got %v", first.Tags)
	}
	if !strings.Contains(first.Messages[0].Content, "user: Hi, I'm Alice") {
		t.Errorf("expected transcript in prompt, got %q", first.Messages[0].Content)
	}

	// The second call sees the results of the first.
	second := p.Calls[1]
	var results int
	for _, msg := range second.Messages {
		if msg.Role == message.RoleTool && !msg.IsError {
			results++
		}
	}
	if results != 2 {
		t.Errorf("expected 2 tool results in follow-up call, got %d", results)
	}
}

func TestManager_InsertUpdatesExistingByID(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	ns := memory.ForType("alice", "Note")
	existing := store.Seed(ns, "Lives in Bergen")

	p := &testutil.MockProvider{Responses: []*provider.Response{
		testutil.CallTool("c1", "upsert_memory", `{"id":"`+existing.ID+`","content":"Lives in Oslo"}`),
		testutil.Reply("done"),
	}}
	m := newManager(t, memory.TypeSpec{Name: "Note", Mode: memory.ModeInsert}, p, store, 3)

	if _, err := m.Extract(context.Background(), "alice", conversation()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.Calls[0].System, existing.ID) {
		t.Error("existing memories should be shown to the model")
	}
	if n := store.Count(ns); n != 1 {
		t.Errorf("expected update in place, got %d memories", n)
	}
	got, _ := store.Get(context.Background(), ns, existing.ID)
	if got == nil || got.Content != "Lives in Oslo" {
		t.Errorf("expected updated content, got %+v", got)
	}
}

func TestManager_InsertIgnoresUnknownID(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	p := &testutil.MockProvider{Responses: []*provider.Response{
		testutil.CallTool("c1", "upsert_memory", `{"id":"made-up","content":"Likes tea"}`),
		testutil.Reply("done"),
	}}
	m := newManager(t, memory.TypeSpec{Name: "Note", Mode: memory.ModeInsert}, p, store, 3)

	if _, err := m.Extract(context.Background(), "alice", conversation()); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(context.Background(), memory.ForType("alice", "Note"), "made-up")
	if got != nil {
		t.Error("an ID the model invented should not be used")
	}
}

func TestManager_PatchKeepsSingleDocument(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	p := &testutil.MockProvider{Responses: []*provider.Response{
		testutil.CallTool("c1", "upsert_memory", `{"content":"Name: Alice"}`),
		testutil.CallTool("c2", "upsert_memory", `{"content":"Name: Alice\nCity: Oslo"}`),
		testutil.Reply("done"),
	}}
	m := newManager(t, memory.TypeSpec{Name: "User", Mode: memory.ModePatch}, p, store, 5)

	writes, err := m.Extract(context.Background(), "alice", conversation())
	if err != nil {
		t.Fatal(err)
	}
	if writes != 2 {
		t.Errorf("expected 2 writes, got %d", writes)
	}
	ns := memory.ForType("alice", "User")
	if n := store.Count(ns); n != 1 {
		t.Fatalf("patch mode should keep one document, got %d", n)
	}
	doc, _ := store.Get(context.Background(), ns, memory.PatchID(ns))
	if doc == nil || !strings.Contains(doc.Content, "Oslo") {
		t.Errorf("expected latest document, got %+v", doc)
	}
	if _, ok := p.Calls[0].Tools[0].InputSchema["properties"].(map[string]interface{})["id"]; ok {
		t.Error("patch mode tool should not take an id")
	}
}

func TestManager_MaxSteps(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	p := &testutil.MockProvider{Handler: func(*provider.CompletionRequest) (*provider.Response, error) {
		return testutil.CallTool("c", "upsert_memory", `{"content":"again"}`), nil
	}}
	m := newManager(t, memory.TypeSpec{Name: "Note", Mode: memory.ModeInsert}, p, store, 2)

	writes, err := m.Extract(context.Background(), "alice", conversation())
	if err != nil {
		t.Fatal(err)
	}
	if p.CallCount() != 2 || writes != 2 {
		t.Errorf("expected the loop to stop after 2 steps, got %d calls and %d writes", p.CallCount(), writes)
	}
}

func TestManager_BadArgumentsReportedToModel(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	p := &testutil.MockProvider{Responses: []*provider.Response{
		testutil.CallTool("c1", "upsert_memory", `{"content":""}`),
		testutil.Reply("done"),
	}}
	m := newManager(t, memory.TypeSpec{Name: "Note", Mode: memory.ModeInsert}, p, store, 3)

	writes, err := m.Extract(context.Background(), "alice", conversation())
	if err != nil {
		t.Fatal(err)
	}
	if writes != 0 {
		t.Errorf("expected no writes, got %d", writes)
	}
	last := p.Calls[1].Messages[len(p.Calls[1].Messages)-1]
	if last.Role != message.RoleTool || !last.IsError || !strings.HasPrefix(last.Content, "Error:") {
		t.Errorf("expected error tool result, got %+v", last)
	}
}

func TestManager_ContractViolation(t *testing.T) {
	p := &testutil.MockProvider{Responses: []*provider.Response{{}}}
	m := newManager(t, memory.TypeSpec{Name: "Note"}, p, testutil.NewMockMemoryStore(), 3)

	_, err := m.Extract(context.Background(), "alice", conversation())
	if mnemoerr.AsCode(err) != mnemoerr.CodeContractViolation {
		t.Errorf("expected CONTRACT_VIOLATION, got %v", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("contract violations must not be retried, got %d calls", p.CallCount())
	}
}

func TestManager_RetriesTransient(t *testing.T) {
	p := &testutil.MockProvider{
		Errors:    []error{mnemoerr.Transient("rate limited", errors.New("429"))},
		Responses: []*provider.Response{testutil.Reply("nothing to save")},
	}
	m := newManager(t, memory.TypeSpec{Name: "Note"}, p, testutil.NewMockMemoryStore(), 3)

	if _, err := m.Extract(context.Background(), "alice", conversation()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("expected 2 calls, got %d", p.CallCount())
	}
}

func TestManager_StoreFailure(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	store.FailPut["Note"] = errors.New("disk full")
	p := &testutil.MockProvider{Responses: []*provider.Response{
		testutil.CallTool("c1", "upsert_memory", `{"content":"x"}`),
	}}
	m := newManager(t, memory.TypeSpec{Name: "Note"}, p, store, 3)

	_, err := m.Extract(context.Background(), "alice", conversation())
	if mnemoerr.AsCode(err) != mnemoerr.CodeStoreError {
		t.Errorf("expected STORE_ERROR, got %v", err)
	}
}

func TestNewManager_Validation(t *testing.T) {
	opts := memory.ManagerOptions{Provider: &testutil.MockProvider{}, Store: testutil.NewMockMemoryStore()}
	if _, err := memory.NewManager(memory.TypeSpec{}, opts); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := memory.NewManager(memory.TypeSpec{Name: "x", Mode: "merge"}, opts); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := memory.NewManager(memory.TypeSpec{Name: "x"}, memory.ManagerOptions{}); err == nil {
		t.Error("expected error for missing provider")
	}
}
