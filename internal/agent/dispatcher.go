package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/retry"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/tool"
)

// TagToolCalls tags tool dispatch in logs and events.
const TagToolCalls = "tool_calls"

// Dispatcher executes the tool calls of one assistant message on a bounded
// goroutine pool.
type Dispatcher struct {
	registry *tool.Registry
	pool     *ants.Pool
	retry    retry.Policy
	bus      *event.Bus
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Registry    *tool.Registry
	Concurrency int
	Retry       retry.Policy
	Bus         *event.Bus
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
}

// NewDispatcher creates a dispatcher with a pool of opts.Concurrency workers.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger(false)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool pool: %w", err)
	}
	return &Dispatcher{
		registry: opts.Registry,
		pool:     pool,
		retry:    opts.Retry,
		bus:      opts.Bus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Dispatch runs every call and returns one tool result per call in call
// order. All tools are looked up before any runs; an unknown tool fails the
// whole dispatch. Execution failures become error results.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []message.ToolCall) ([]message.Message, error) {
	tools := make([]tool.Tool, len(calls))
	for i, call := range calls {
		t, err := d.registry.Get(call.Name)
		if err != nil {
			return nil, err
		}
		tools[i] = t
	}

	results := make([]message.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = d.execute(ctx, tools[i], call)
		}
		if err := d.pool.Submit(task); err != nil {
			// The pool only refuses work once released; run in place.
			task()
		}
	}
	wg.Wait()

	return results, nil
}

func (d *Dispatcher) execute(ctx context.Context, t tool.Tool, call message.ToolCall) (result message.Message) {
	logger := d.logger.WithTrace(ctx).With("tool", call.Name, "tool_call_id", call.ID, "tags", TagToolCalls)
	d.metrics.IncToolCalls()
	d.emit(ctx, event.ToolCall, map[string]interface{}{"tool": call.Name, "tool_call_id": call.ID})

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Tool panicked", "panic", r)
			result = message.NewToolResult(call.ID, call.Name, fmt.Sprintf("Error: tool panicked: %v", r), true)
		}
		if result.IsError {
			d.metrics.IncToolErrors()
		}
		d.emit(ctx, event.ToolResult, map[string]interface{}{
			"tool":         call.Name,
			"tool_call_id": call.ID,
			"is_error":     result.IsError,
			"duration_ms":  time.Since(start).Milliseconds(),
		})
	}()

	args := call.Args
	if len(args) == 0 {
		args = []byte("{}")
	}
	out, err := retry.Value(ctx, d.retry, func(ctx context.Context) (string, error) {
		return t.Execute(ctx, args)
	}, func(attempt int, delay time.Duration, err error) {
		logger.Warn("Retrying tool", "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		logger.Warn("Tool execution failed", "error", err)
		return message.NewToolResult(call.ID, call.Name, "Error: "+err.Error(), true)
	}

	logger.Debug("Tool execution succeeded", "result_length", len(out), "duration", time.Since(start))
	return message.NewToolResult(call.ID, call.Name, out, false)
}

// emit tags data with the run and thread of ctx so event consumers can
// route tool events like the rest of a turn.
func (d *Dispatcher) emit(ctx context.Context, t event.EventType, data map[string]interface{}) {
	if tc := telemetry.TraceFromContext(ctx); tc != nil {
		data["run_id"] = tc.RunID
		data["thread_id"] = tc.ThreadID
	}
	if err := d.bus.Emit(event.NewEvent(t, data)); err != nil {
		d.logger.Warn("Event hook failed", "event", t, "error", err)
	}
}

// Close releases the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}
