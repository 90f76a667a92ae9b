package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/testutil"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

func newTestDispatcher(t *testing.T, concurrency int, tools ...tool.Tool) *Dispatcher {
	t.Helper()
	reg := tool.NewRegistry()
	for _, tl := range tools {
		reg.Register(tl)
	}
	d, err := NewDispatcher(DispatcherOptions{
		Registry:    reg,
		Concurrency: concurrency,
		Retry:       fastRetry(),
		Logger:      testutil.TestLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Close)
	return d
}

func call(id, name, args string) message.ToolCall {
	return message.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

func TestDispatcher_RunsConcurrently(t *testing.T) {
	var running, peak int32
	slow := &testutil.MockTool{Name_: "slow", Fn: func(json.RawMessage) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return "done", nil
	}}
	d := newTestDispatcher(t, 2, slow)

	results, err := d.Dispatch(context.Background(), []message.ToolCall{
		call("1", "slow", `{}`), call("2", "slow", `{}`), call("3", "slow", `{}`), call("4", "slow", `{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, r := range results {
		if want := string(rune('1' + i)); r.ToolCallID != want {
			t.Errorf("result %d answers %s, want %s", i, r.ToolCallID, want)
		}
		if r.Role != message.RoleTool || r.ToolName != "slow" {
			t.Errorf("unexpected result: %+v", r)
		}
	}
	if p := atomic.LoadInt32(&peak); p > 2 || p < 2 {
		t.Errorf("expected peak concurrency 2, got %d", p)
	}
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := newTestDispatcher(t, 1)
	_, err := d.Dispatch(context.Background(), []message.ToolCall{call("1", "nope", `{}`)})
	if mnemoerr.AsCode(err) != mnemoerr.CodeToolNotFound {
		t.Errorf("expected TOOL_NOT_FOUND, got %v", err)
	}
}

func TestDispatcher_ErrorsBecomeResults(t *testing.T) {
	failing := &testutil.MockTool{Name_: "failing", Err: errors.New("disk full")}
	panicky := &testutil.MockTool{Name_: "panicky", Fn: func(json.RawMessage) (string, error) {
		panic("boom")
	}}
	d := newTestDispatcher(t, 2, failing, panicky)

	results, err := d.Dispatch(context.Background(), []message.ToolCall{
		call("1", "failing", `{}`), call("2", "panicky", `{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].IsError || results[0].Content != "Error: disk full" {
		t.Errorf("unexpected failing result: %+v", results[0])
	}
	if !results[1].IsError || results[1].Content != "Error: tool panicked: boom" {
		t.Errorf("unexpected panic result: %+v", results[1])
	}
	if failing.ExecutionCount() != 1 {
		t.Errorf("permanent errors must not be retried, got %d executions", failing.ExecutionCount())
	}
}

func TestDispatcher_EmptyArgs(t *testing.T) {
	echo := &testutil.MockTool{Name_: "echo", Fn: func(args json.RawMessage) (string, error) {
		return string(args), nil
	}}
	d := newTestDispatcher(t, 1, echo)

	results, err := d.Dispatch(context.Background(), []message.ToolCall{{ID: "1", Name: "echo"}})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Content != "{}" {
		t.Errorf("expected empty object args, got %q", results[0].Content)
	}
}

func TestDispatcher_Multiply(t *testing.T) {
	reg := tool.NewRegistry()
	tool.RegisterBuiltins(reg)
	d, err := NewDispatcher(DispatcherOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	results, err := d.Dispatch(context.Background(), []message.ToolCall{call("c", "multiply", `{"x":6,"y":7}`)})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Content != "42" || results[0].IsError {
		t.Errorf("unexpected result: %+v", results[0])
	}
}
