// Package agent runs conversation turns as an explicit state machine: seed the
// thread, call the model, dispatch tool calls until the model stops asking for
// them, schedule memory extraction, and emit the final reply.
package agent

import (
	"time"

	"github.com/mnemo-oss/mnemo/internal/message"
)

// State is a node of the conversation state machine.
type State int

const (
	StateInit State = iota
	StateChat
	StateTools
	StateScheduleMemories
	StateOutput
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateChat:
		return "chat"
	case StateTools:
		return "tools"
	case StateScheduleMemories:
		return "schedule_memories"
	case StateOutput:
		return "output"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Input is one conversation turn.
type Input struct {
	ThreadID string
	UserID   string
	Message  message.Message
}

// Output is the result of a completed turn.
type Output struct {
	RunID      string
	ThreadID   string
	Message    message.Message
	Iterations int
	// MemoryRunID is the scheduled memory run, empty when none was scheduled.
	MemoryRunID string
	Duration    time.Duration
}
