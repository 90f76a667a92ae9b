package thread

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mnemo-oss/mnemo/internal/message"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := NewSQLiteStore(filepath.Join(dir, "threads.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	badger, err := NewBadgerStore(filepath.Join(dir, "badger"))
	if err != nil {
		t.Fatalf("badger: %v", err)
	}

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"badger": badger,
	}

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(mr.Addr(), "", 0, "mnemo-test")
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	stores["redis"] = rs

	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStore_AppendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			a := message.NewUser("hi")
			b := message.NewAssistant("hello")
			c := message.NewUser("how are you")

			if err := s.Append(ctx, "t1", a, b); err != nil {
				t.Fatal(err)
			}
			if err := s.Append(ctx, "t1", c); err != nil {
				t.Fatal(err)
			}

			got, err := s.Messages(ctx, "t1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(got))
			}
			for i, want := range []string{a.ID, b.ID, c.ID} {
				if got[i].ID != want {
					t.Errorf("position %d: expected %s, got %s", i, want, got[i].ID)
				}
			}
		})
	}
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			u := message.NewUser("hi")
			for i := 0; i < 3; i++ {
				if err := s.Append(ctx, "t1", u); err != nil {
					t.Fatal(err)
				}
			}
			got, _ := s.Messages(ctx, "t1")
			if len(got) != 1 {
				t.Fatalf("expected 1 message after repeated append, got %d", len(got))
			}
		})
	}
}

func TestStore_ReplaceInPlace(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			first := message.NewUser("one")
			second := message.NewAssistant("two")
			if err := s.Append(ctx, "t1", first, second); err != nil {
				t.Fatal(err)
			}

			edited := first
			edited.Content = "one (edited)"
			if err := s.Append(ctx, "t1", edited); err != nil {
				t.Fatal(err)
			}

			got, _ := s.Messages(ctx, "t1")
			if len(got) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(got))
			}
			if got[0].Content != "one (edited)" || got[1].ID != second.ID {
				t.Errorf("replacement not in place: %+v", got)
			}
		})
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Append(ctx, "a", message.NewUser("x"))
			_ = s.Append(ctx, "b", message.NewUser("y"))

			ids, err := s.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
				t.Errorf("expected [a b], got %v", ids)
			}

			if err := s.Delete(ctx, "a"); err != nil {
				t.Fatal(err)
			}
			got, err := s.Messages(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Errorf("expected deleted thread to be empty, got %d", len(got))
			}
			ids, _ = s.List(ctx)
			if len(ids) != 1 || ids[0] != "b" {
				t.Errorf("expected [b], got %v", ids)
			}
		})
	}
}

func TestStore_ToolCallsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			call := message.ToolCall{ID: "call_1", Name: "multiply", Args: []byte(`{"x":6,"y":7}`)}
			msgs := []message.Message{
				message.NewAssistant("", call),
				message.NewToolResult("call_1", "multiply", "42", false),
			}
			if err := s.Append(ctx, "t", msgs...); err != nil {
				t.Fatal(err)
			}
			got, _ := s.Messages(ctx, "t")
			if len(got) != 2 || !got[0].HasToolCalls() || got[0].ToolCalls[0].Name != "multiply" {
				t.Fatalf("tool call lost: %+v", got)
			}
			if got[1].ToolCallID != "call_1" || got[1].Content != "42" {
				t.Errorf("tool result lost: %+v", got[1])
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "mongo"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
