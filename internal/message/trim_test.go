package message

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

// fixedCounter charges every message the same cost.
type fixedCounter int

func (c fixedCounter) Count(Message) int { return int(c) }

func conversation(turns int) []Message {
	var msgs []Message
	for i := 0; i < turns; i++ {
		msgs = append(msgs, NewUser(fmt.Sprintf("question %d", i)))
		if i%2 == 1 {
			callID := fmt.Sprintf("call_%d", i)
			msgs = append(msgs,
				NewAssistant("", ToolCall{ID: callID, Name: "multiply", Args: json.RawMessage(`{"a":6,"b":7}`)}),
				NewToolResult(callID, "multiply", "42", false),
			)
		}
		msgs = append(msgs, NewAssistant(fmt.Sprintf("answer %d", i)))
	}
	return msgs
}

func TestTrim_UnderBudgetIsIdentity(t *testing.T) {
	msgs := conversation(4)
	tr := NewTrimmer(fixedCounter(1))

	out := tr.Trim(msgs, len(msgs))
	if len(out) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(out))
	}
	for i := range msgs {
		if out[i].ID != msgs[i].ID {
			t.Fatalf("message %d changed", i)
		}
	}
}

func TestTrim_KeepsSystemMessage(t *testing.T) {
	msgs := append([]Message{NewSystem("be nice")}, conversation(6)...)
	tr := NewTrimmer(fixedCounter(1))

	out := tr.Trim(msgs, 4)
	if len(out) == 0 || out[0].Role != RoleSystem {
		t.Fatalf("expected system message first, got %+v", out)
	}
	if len(out) > 4 {
		t.Errorf("expected at most 4 messages, got %d", len(out))
	}
	if len(out) > 1 && out[1].Role != RoleUser {
		t.Errorf("window should start at a user message, got %s", out[1].Role)
	}
}

func TestTrim_SystemAloneOverBudget(t *testing.T) {
	msgs := []Message{NewSystem(strings.Repeat("x", 400)), NewUser("hi")}
	out := NewTrimmer(nil).Trim(msgs, 10)
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d messages", len(out))
	}
}

func TestTrim_WindowStartsAtUser(t *testing.T) {
	msgs := []Message{
		NewUser("q1"),
		NewAssistant("a1"),
		NewAssistant("a1 continued"),
		NewUser("q2"),
		NewAssistant("a2"),
	}
	// Budget fits the last three messages, which would start at an assistant.
	out := NewTrimmer(fixedCounter(1)).Trim(msgs, 3)
	if len(out) != 2 || out[0].Content != "q2" {
		t.Errorf("expected window [q2 a2], got %+v", out)
	}
}

func TestTrim_DropsOrphanToolResult(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "multiply", Args: json.RawMessage(`{}`)}
	msgs := []Message{
		NewUser("old"),
		NewAssistant("", call),
		// A user message between call and result should not happen, but the
		// trimmer must still never emit the result without its call.
		NewUser("interjection"),
		NewToolResult("c1", "multiply", "42", false),
		NewAssistant("done"),
		NewUser("latest"),
		NewAssistant("ok"),
	}
	out := NewTrimmer(fixedCounter(1)).Trim(msgs, 5)
	for _, m := range out {
		if m.Role == RoleTool {
			t.Fatalf("orphan tool result emitted: %+v", out)
		}
	}
	if len(out) != 2 || out[0].Content != "latest" {
		t.Errorf("expected window [latest ok], got %+v", out)
	}
}

func TestTrim_ExactBoundaryKeepsWholeMessage(t *testing.T) {
	msgs := []Message{NewUser("a"), NewAssistant("b"), NewUser("c"), NewAssistant("d")}
	tr := NewTrimmer(fixedCounter(5))
	out := tr.Trim(msgs, 10)
	if len(out) != 2 || out[0].Content != "c" {
		t.Errorf("expected [c d] at exact budget, got %+v", out)
	}
}

// TestTrim_Properties checks the budget bound, suffix shape, and call/result
// pairing over randomly generated conversations.
func TestTrim_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := NewTrimmer(ApproximateCounter{})

	for iter := 0; iter < 500; iter++ {
		msgs := randomConversation(rng)
		budget := rng.Intn(tr.Count(msgs) + 20)

		out := tr.Trim(msgs, budget)

		if tr.Count(msgs) <= budget {
			if len(out) != len(msgs) {
				t.Fatalf("iter %d: under-budget input changed", iter)
			}
			continue
		}
		if got := tr.Count(out); got > budget {
			t.Fatalf("iter %d: output %d tokens exceeds budget %d", iter, got, budget)
		}

		body := out
		if len(out) > 0 && out[0].Role == RoleSystem {
			body = out[1:]
		}
		offset := len(msgs) - len(body)
		for i, m := range body {
			if msgs[offset+i].ID != m.ID {
				t.Fatalf("iter %d: output is not a contiguous suffix", iter)
			}
		}
		if len(body) > 0 && body[0].Role != RoleUser {
			t.Fatalf("iter %d: window starts with %s", iter, body[0].Role)
		}

		seen := map[string]bool{}
		for _, m := range body {
			for _, tc := range m.ToolCalls {
				seen[tc.ID] = true
			}
			if m.Role == RoleTool && !seen[m.ToolCallID] {
				t.Fatalf("iter %d: dangling tool result %s", iter, m.ToolCallID)
			}
		}
	}
}

func randomConversation(rng *rand.Rand) []Message {
	var msgs []Message
	if rng.Intn(2) == 0 {
		msgs = append(msgs, NewSystem(strings.Repeat("s", rng.Intn(40))))
	}
	turns := 1 + rng.Intn(8)
	call := 0
	for i := 0; i < turns; i++ {
		msgs = append(msgs, NewUser(strings.Repeat("u", rng.Intn(80))))
		for j := rng.Intn(3); j > 0; j-- {
			var calls []ToolCall
			for k := 1 + rng.Intn(3); k > 0; k-- {
				call++
				calls = append(calls, ToolCall{ID: fmt.Sprintf("c%d", call), Name: "multiply", Args: json.RawMessage(`{"a":1,"b":2}`)})
			}
			msgs = append(msgs, NewAssistant("", calls...))
			for _, c := range calls {
				msgs = append(msgs, NewToolResult(c.ID, c.Name, strings.Repeat("r", rng.Intn(60)), false))
			}
		}
		msgs = append(msgs, NewAssistant(strings.Repeat("a", rng.Intn(120))))
	}
	return msgs
}

func TestNewCounter(t *testing.T) {
	if _, err := NewCounter("approximate"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := NewCounter("bogus"); err == nil {
		t.Error("expected error for unknown counter")
	}
}

func TestApproximateCounter(t *testing.T) {
	m := Message{Role: RoleUser, Content: strings.Repeat("x", 16)}
	// 16 content chars + 4 role chars = 20 chars = 5 tokens, plus overhead.
	if got := (ApproximateCounter{}).Count(m); got != 5+perMessageOverhead {
		t.Errorf("expected %d, got %d", 5+perMessageOverhead, got)
	}
}
