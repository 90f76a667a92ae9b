package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-oss/mnemo/internal/config"
	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/provider"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// MockProvider implements provider.Provider for testing.
type MockProvider struct {
	mu        sync.Mutex
	Responses []*provider.Response // queued responses, consumed in order
	Errors    []error              // per-call errors, consumed in order; nil entries fall through to Responses
	Calls     []*provider.CompletionRequest
	// Handler, when set, answers every call instead of the queues.
	Handler func(req *provider.CompletionRequest) (*provider.Response, error)
	Delay   time.Duration
	idx     int
	errIdx  int
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.Response, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *req
	clone.Messages = append([]message.Message(nil), req.Messages...)
	m.Calls = append(m.Calls, &clone)

	if m.Handler != nil {
		return m.Handler(req)
	}

	if m.errIdx < len(m.Errors) {
		err := m.Errors[m.errIdx]
		m.errIdx++
		if err != nil {
			return nil, err
		}
	}

	if m.idx >= len(m.Responses) {
		return Reply("default mock response"), nil
	}

	resp := m.Responses[m.idx]
	m.idx++
	return resp, nil
}

// CallCount returns the number of Complete calls made (thread-safe).
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request, or nil.
func (m *MockProvider) LastCall() *provider.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return m.Calls[len(m.Calls)-1]
}

// Reply builds a response holding one plain assistant message.
func Reply(content string) *provider.Response {
	return &provider.Response{
		Messages:   []message.Message{message.NewAssistant(content)},
		StopReason: "end_turn",
	}
}

// CallTool builds a response holding one assistant message that calls a
// single tool.
func CallTool(callID, name, args string) *provider.Response {
	return CallTools(message.ToolCall{ID: callID, Name: name, Args: json.RawMessage(args)})
}

// CallTools builds a response holding one assistant message with calls.
func CallTools(calls ...message.ToolCall) *provider.Response {
	return &provider.Response{
		Messages:   []message.Message{message.NewAssistant("", calls...)},
		StopReason: "tool_use",
	}
}

// MockTool implements tool.Tool for testing.
type MockTool struct {
	Name_  string
	Desc   string
	Result string
	Err    error
	// Fn, when set, computes the result from the arguments.
	Fn         func(args json.RawMessage) (string, error)
	mu         sync.Mutex
	Executions int
	Args       []json.RawMessage
}

func (t *MockTool) Name() string        { return t.Name_ }
func (t *MockTool) Description() string { return t.Desc }
func (t *MockTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"input": map[string]interface{}{
			"type":        "string",
			"description": "test input",
		},
	}
}

func (t *MockTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	t.mu.Lock()
	t.Executions++
	t.Args = append(t.Args, args)
	t.mu.Unlock()

	if t.Fn != nil {
		return t.Fn(args)
	}
	if t.Err != nil {
		return "", t.Err
	}
	return t.Result, nil
}

func (t *MockTool) Test(ctx context.Context) (string, error) {
	return "mock tool operational", nil
}

// ExecutionCount returns the number of times Execute was called (thread-safe).
func (t *MockTool) ExecutionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Executions
}

// MockMemoryStore is an in-memory memory.Store. Search scores items by the
// fraction of query words they contain.
type MockMemoryStore struct {
	mu    sync.Mutex
	items map[string]memory.Item // keyed by namespace + id
	// FailPut makes Put fail for namespaces whose last segment is a key.
	FailPut  map[string]error
	Puts     int
	Searches []string
}

// NewMockMemoryStore creates an empty store.
func NewMockMemoryStore() *MockMemoryStore {
	return &MockMemoryStore{items: make(map[string]memory.Item), FailPut: make(map[string]error)}
}

func itemKey(ns memory.Namespace, id string) string {
	return ns.String() + "\x00" + id
}

func (s *MockMemoryStore) Put(_ context.Context, ns memory.Namespace, item memory.Item, mode memory.UpdateMode) (memory.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ns) > 0 {
		if err := s.FailPut[ns[len(ns)-1]]; err != nil {
			return memory.Item{}, err
		}
	}

	var existing *memory.Item
	if mode == memory.ModePatch {
		item.ID = memory.PatchID(ns)
	}
	if item.ID != "" {
		if it, ok := s.items[itemKey(ns, item.ID)]; ok {
			existing = &it
		}
	}
	stored, err := memory.Prepare(ns, item, mode, existing)
	if err != nil {
		return memory.Item{}, err
	}
	s.items[itemKey(ns, stored.ID)] = stored
	s.Puts++
	return stored, nil
}

func (s *MockMemoryStore) Get(_ context.Context, ns memory.Namespace, id string) (*memory.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemKey(ns, id)]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (s *MockMemoryStore) Search(_ context.Context, ns memory.Namespace, query string, limit int) ([]memory.Item, error) {
	s.mu.Lock()
	s.Searches = append(s.Searches, query)
	s.mu.Unlock()

	items, _ := s.List(context.Background(), ns, 0)
	words := strings.Fields(strings.ToLower(query))
	for i := range items {
		content := strings.ToLower(items[i].Content)
		hits := 0
		for _, w := range words {
			if strings.Contains(content, w) {
				hits++
			}
		}
		if len(words) > 0 {
			items[i].Score = float64(hits) / float64(len(words))
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MockMemoryStore) List(_ context.Context, ns memory.Namespace, limit int) ([]memory.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []memory.Item
	for _, it := range s.items {
		if it.Namespace.HasPrefix(ns) {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MockMemoryStore) Delete(_ context.Context, ns memory.Namespace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, itemKey(ns, id))
	return nil
}

func (s *MockMemoryStore) Close() error { return nil }

// Count returns the number of items under ns.
func (s *MockMemoryStore) Count(ns memory.Namespace) int {
	items, _ := s.List(context.Background(), ns, 0)
	return len(items)
}

// Seed stores content under ns without going through an extraction.
func (s *MockMemoryStore) Seed(ns memory.Namespace, content string) memory.Item {
	it, err := s.Put(context.Background(), ns, memory.Item{Content: content}, memory.ModeInsert)
	if err != nil {
		panic(fmt.Sprintf("seed memory: %v", err))
	}
	return it
}

// TestLogger returns a logger suitable for tests (verbose, no file output).
func TestLogger() *telemetry.Logger {
	return telemetry.NewLogger(true)
}

// TestConfig returns a valid config that uses only in-process backends.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Name = "test-project"
	cfg.Model.Provider = "openai"
	cfg.Model.Name = "mock-model"
	cfg.Model.APIKey = "test-key"
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialBackoff = "1ms"
	cfg.Retry.MaxBackoff = "2ms"
	cfg.Memory.UserID = "test-user"
	cfg.Memory.DebounceDelay = "0s"
	cfg.Store.Driver = "chromem"
	cfg.Store.Path = ""
	cfg.Threads.Driver = "memory"
	cfg.State.Driver = "memory"
	cfg.Logging.Level = "debug"
	return cfg
}
