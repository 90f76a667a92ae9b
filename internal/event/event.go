package event

import "time"

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Conversation lifecycle
	ConversationStarted   EventType = "conversation.started"
	ConversationCompleted EventType = "conversation.completed"
	ConversationFailed    EventType = "conversation.failed"
	NodeRetrying          EventType = "conversation.node.retrying"

	// Tool dispatch
	ToolCall   EventType = "tool.call"
	ToolResult EventType = "tool.result"

	// Memory scheduling and extraction
	MemoryScheduled EventType = "memory.scheduled"
	MemoryCancelled EventType = "memory.cancelled"
	MemoryFired     EventType = "memory.fired"
	MemoryExtracted EventType = "memory.extracted"
	MemoryFailed    EventType = "memory.failed"
)

// Event carries data about a lifecycle occurrence.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(t EventType, data map[string]interface{}) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// String returns a string-valued data field, or "" when absent.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}
