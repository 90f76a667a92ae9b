package memory_test

import (
	"context"
	"testing"

	"github.com/mnemo-oss/mnemo/internal/memory"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/testutil"
)

func TestRetriever_QueryUsesWindow(t *testing.T) {
	r := memory.NewRetriever(testutil.NewMockMemoryStore(), 2, 10)
	msgs := []message.Message{
		message.NewUser("first"),
		message.NewAssistant("second"),
		message.NewUser("third"),
	}
	if q := r.Query(msgs); q != "second\nthird" {
		t.Errorf("unexpected query: %q", q)
	}
}

func TestRetriever_SearchesAllTypesOfUser(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	store.Seed(memory.ForType("alice", "Note"), "alice drinks green tea")
	store.Seed(memory.ForType("alice", "User"), "alice lives in oslo")
	store.Seed(memory.ForType("bob", "Note"), "bob drinks green tea")

	r := memory.NewRetriever(store, 3, 10)
	items, err := r.Retrieve(context.Background(), "alice", []message.Message{message.NewUser("green tea")})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected alice's 2 memories, got %d", len(items))
	}
	for _, it := range items {
		if !it.Namespace.HasPrefix(memory.ForUser("alice")) {
			t.Errorf("leaked memory from %s", it.Namespace)
		}
	}
	if items[0].Content != "alice drinks green tea" || items[0].Score < items[1].Score {
		t.Errorf("expected results ordered by relevance, got %+v", items)
	}
}

func TestRetriever_Limit(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	for i := 0; i < 5; i++ {
		store.Seed(memory.ForType("alice", "Note"), "tea")
	}
	r := memory.NewRetriever(store, 1, 3)
	items, err := r.Retrieve(context.Background(), "alice", []message.Message{message.NewUser("tea")})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Errorf("expected 3 items, got %d", len(items))
	}
}

func TestRetriever_EmptyIsValid(t *testing.T) {
	store := testutil.NewMockMemoryStore()
	r := memory.NewRetriever(store, 3, 10)

	items, err := r.Retrieve(context.Background(), "alice", []message.Message{message.NewUser("hello")})
	if err != nil || len(items) != 0 {
		t.Errorf("expected empty result, got %v (%v)", items, err)
	}
	if memory.FormatMemories(items) != "" {
		t.Error("no memories should render to an empty user_info")
	}

	items, err = r.Retrieve(context.Background(), "alice", nil)
	if err != nil || items != nil {
		t.Errorf("no messages should skip the search, got %v (%v)", items, err)
	}
	if len(store.Searches) != 1 {
		t.Errorf("expected a single search, got %d", len(store.Searches))
	}
}

func TestRegistry(t *testing.T) {
	a := &storeExtractor{name: "A"}
	b := &storeExtractor{name: "B"}
	reg, err := memory.NewRegistry(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 2 {
		t.Errorf("expected 2 extractors, got %d", reg.Len())
	}
	if names := reg.Names(); names[0] != "A" || names[1] != "B" {
		t.Errorf("expected configuration order, got %v", names)
	}
	if ex, ok := reg.Get("B"); !ok || ex.Name() != "B" {
		t.Error("expected to find B")
	}
	if _, ok := reg.Get("C"); ok {
		t.Error("unexpected extractor C")
	}

	if _, err := memory.NewRegistry(a, &storeExtractor{name: "A"}); err == nil {
		t.Error("expected duplicate names to be rejected")
	}
}
