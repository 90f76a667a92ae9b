// Package message defines conversation messages, add-messages merge
// semantics, and token-budget trimming.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Message is a single entry in a thread. Messages are treated as immutable
// once appended; a replacement carries the same ID.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewSystem creates a system message.
func NewSystem(content string) Message {
	return Message{ID: uuid.New().String(), Role: RoleSystem, Content: content, CreatedAt: time.Now().UTC()}
}

// NewUser creates a user message.
func NewUser(content string) Message {
	return Message{ID: uuid.New().String(), Role: RoleUser, Content: content, CreatedAt: time.Now().UTC()}
}

// NewAssistant creates an assistant message with optional tool calls.
func NewAssistant(content string, calls ...ToolCall) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolResult creates the result message for a tool call. The ID is
// derived from the call ID so a retried dispatch replaces rather than
// duplicates the result.
func NewToolResult(callID, toolName, content string, isError bool) Message {
	return Message{
		ID:         ToolResultID(callID),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   toolName,
		IsError:    isError,
		CreatedAt:  time.Now().UTC(),
	}
}

// ToolResultID returns the deterministic message ID for a call's result.
func ToolResultID(callID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("tool-result:"+callID)).String()
}

// HasToolCalls reports whether the message requests at least one tool call.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Add merges incoming into existing by ID. A message whose ID is already
// present replaces the old one in place; others are appended in order.
// Messages without an ID are assigned one. existing is not modified.
func Add(existing []Message, incoming ...Message) []Message {
	out := make([]Message, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i, m := range out {
		if m.ID != "" {
			index[m.ID] = i
		}
	}

	for _, m := range incoming {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

// LastAssistant returns the most recent assistant message.
func LastAssistant(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Last returns up to n trailing messages.
func Last(msgs []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
