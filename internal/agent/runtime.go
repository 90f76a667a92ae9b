package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/retry"
	"github.com/mnemo-oss/mnemo/internal/scheduler"
	"github.com/mnemo-oss/mnemo/internal/state"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/thread"
)

// Runtime drives conversation turns. Turns on the same thread run one at a
// time; turns on different threads run concurrently.
type Runtime struct {
	threads       thread.Store
	invoker       *Invoker
	dispatcher    *Dispatcher
	scheduler     scheduler.Scheduler
	debounce      time.Duration
	retry         retry.Policy
	maxIterations int
	ledger        *state.Manager
	bus           *event.Bus
	logger        *telemetry.Logger
	metrics       *telemetry.Metrics
	locks         *threadLocks
}

// Options configures a Runtime. Scheduler, Ledger and Bus are optional;
// without a scheduler a turn goes straight from chat to output.
type Options struct {
	Threads       thread.Store
	Invoker       *Invoker
	Dispatcher    *Dispatcher
	Scheduler     scheduler.Scheduler
	DebounceDelay time.Duration
	Retry         retry.Policy
	MaxIterations int
	Ledger        *state.Manager
	Bus           *event.Bus
	Logger        *telemetry.Logger
	Metrics       *telemetry.Metrics
}

// NewRuntime creates a runtime.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Threads == nil {
		return nil, fmt.Errorf("runtime requires a thread store")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("runtime requires an invoker")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger(false)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	if opts.Dispatcher == nil {
		d, err := NewDispatcher(DispatcherOptions{Retry: opts.Retry, Bus: opts.Bus, Logger: opts.Logger, Metrics: opts.Metrics})
		if err != nil {
			return nil, err
		}
		opts.Dispatcher = d
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 10
	}
	return &Runtime{
		threads:       opts.Threads,
		invoker:       opts.Invoker,
		dispatcher:    opts.Dispatcher,
		scheduler:     opts.Scheduler,
		debounce:      opts.DebounceDelay,
		retry:         opts.Retry,
		maxIterations: opts.MaxIterations,
		ledger:        opts.Ledger,
		bus:           opts.Bus,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		locks:         newThreadLocks(),
	}, nil
}

// turn is the mutable state of one Run.
type turn struct {
	runID      string
	in         Input
	reply      message.Message
	iterations int
	memoryRun  string
}

// Run executes one conversation turn for in and returns the final assistant
// message.
func (r *Runtime) Run(ctx context.Context, in Input) (*Output, error) {
	if in.ThreadID == "" {
		return nil, mnemoerr.New(mnemoerr.CodeConfigInvalid, "thread ID is required")
	}
	if in.Message.Role == "" {
		in.Message.Role = message.RoleUser
	}
	if in.Message.ID == "" {
		in.Message.ID = uuid.New().String()
	}
	if in.Message.CreatedAt.IsZero() {
		in.Message.CreatedAt = time.Now().UTC()
	}

	release := r.locks.Lock(in.ThreadID)
	defer release()

	t := &turn{runID: uuid.New().String(), in: in}
	tc := telemetry.NewTraceContext(t.runID).WithThread(in.ThreadID, in.UserID)
	ctx = telemetry.ContextWithTrace(ctx, tc)
	ctx, span := telemetry.StartSpan(ctx, "conversation.run", attribute.String("mnemo.user_id", in.UserID))
	logger := r.logger.WithTrace(ctx)

	if r.ledger != nil {
		if _, err := r.ledger.StartRun(t.runID, state.KindConversation, in.ThreadID, in.UserID); err != nil {
			logger.Warn("Failed to record run", "error", err)
		}
	}
	r.metrics.IncRunsStarted()
	r.emit(event.ConversationStarted, map[string]interface{}{
		"run_id":    t.runID,
		"thread_id": in.ThreadID,
		"user_id":   in.UserID,
	})
	logger.Info("Conversation turn started")

	start := time.Now()
	out, err := r.loop(ctx, t)
	duration := time.Since(start)
	r.metrics.RecordRunDuration(duration)
	telemetry.EndSpan(span, err)

	if err != nil {
		node := mnemoerr.NodeOf(err)
		r.metrics.IncRunsFailed()
		if r.ledger != nil {
			_ = r.ledger.FailRun(t.runID, node, err)
		}
		r.emit(event.ConversationFailed, map[string]interface{}{
			"run_id":    t.runID,
			"thread_id": in.ThreadID,
			"node":      node,
			"error":     err.Error(),
		})
		logger.Error("Conversation turn failed", "node", node, "error", err)
		return nil, err
	}

	out.Duration = duration
	r.metrics.IncRunsCompleted()
	if r.ledger != nil {
		_ = r.ledger.CompleteRun(t.runID, map[string]interface{}{
			"message_id":    out.Message.ID,
			"iterations":    out.Iterations,
			"memory_run_id": out.MemoryRunID,
		})
	}
	r.emit(event.ConversationCompleted, map[string]interface{}{
		"run_id":      t.runID,
		"thread_id":   in.ThreadID,
		"iterations":  out.Iterations,
		"duration_ms": duration.Milliseconds(),
	})
	logger.Info("Conversation turn completed", "iterations", out.Iterations, "duration", duration)
	return out, nil
}

func (r *Runtime) loop(ctx context.Context, t *turn) (*Output, error) {
	st := StateInit
	for {
		var (
			next State
			err  error
		)
		switch st {
		case StateInit:
			next, err = r.init(ctx, t)
		case StateChat:
			next, err = r.chat(ctx, t)
		case StateTools:
			next, err = r.tools(ctx, t)
		case StateScheduleMemories:
			next, err = r.scheduleMemories(ctx, t)
		case StateOutput:
			next, err = r.output(ctx, t)
		case StateDone:
			return &Output{
				RunID:       t.runID,
				ThreadID:    t.in.ThreadID,
				Message:     t.reply,
				Iterations:  t.iterations,
				MemoryRunID: t.memoryRun,
			}, nil
		default:
			return nil, fmt.Errorf("unknown state %d", st)
		}
		if err != nil {
			return nil, err
		}
		st = next
	}
}

// init seeds the thread with the input message. Appending by message ID
// makes retries safe.
func (r *Runtime) init(ctx context.Context, t *turn) (State, error) {
	err := r.node(ctx, t, StateInit, mnemoerr.CodeStoreError, func(ctx context.Context) error {
		return r.threads.Append(ctx, t.in.ThreadID, t.in.Message)
	})
	return StateChat, err
}

func (r *Runtime) chat(ctx context.Context, t *turn) (State, error) {
	t.iterations++
	if t.iterations > r.maxIterations {
		return StateDone, mnemoerr.New(mnemoerr.CodeMaxIterations,
			fmt.Sprintf("max tool iterations (%d) exceeded", r.maxIterations)).
			WithNode(StateChat.String()).
			WithSuggestion("Raise conversation.max_tool_iterations or check that tools return what the model expects")
	}

	err := r.node(ctx, t, StateChat, mnemoerr.CodeProviderError, func(ctx context.Context) error {
		msgs, err := r.threads.Messages(ctx, t.in.ThreadID)
		if err != nil {
			return mnemoerr.Transient("failed to load thread", err)
		}
		reply, err := r.invoker.Invoke(ctx, t.in.UserID, msgs)
		if err != nil {
			return err
		}
		if err := r.threads.Append(ctx, t.in.ThreadID, reply); err != nil {
			return mnemoerr.Transient("failed to append reply", err)
		}
		t.reply = reply
		return nil
	})
	if err != nil {
		return StateDone, err
	}

	switch {
	case t.reply.HasToolCalls():
		return StateTools, nil
	case r.scheduler != nil:
		return StateScheduleMemories, nil
	default:
		return StateOutput, nil
	}
}

// tools executes the calls of the latest reply. Dispatch runs once; only the
// append of the results is retried, since tools may have side effects.
func (r *Runtime) tools(ctx context.Context, t *turn) (State, error) {
	nodeCtx, span := telemetry.StartSpan(ctx, "node.tools", attribute.Int("mnemo.tool_calls", len(t.reply.ToolCalls)))
	results, err := r.dispatcher.Dispatch(nodeCtx, t.reply.ToolCalls)
	telemetry.EndSpan(span, err)
	if err != nil {
		return StateDone, mnemoerr.AtNode(StateTools.String(), mnemoerr.CodeToolNotFound, err)
	}

	err = r.node(ctx, t, StateTools, mnemoerr.CodeStoreError, func(ctx context.Context) error {
		if err := r.threads.Append(ctx, t.in.ThreadID, results...); err != nil {
			return mnemoerr.Transient("failed to append tool results", err)
		}
		return nil
	})
	return StateChat, err
}

func (r *Runtime) scheduleMemories(ctx context.Context, t *turn) (State, error) {
	err := r.node(ctx, t, StateScheduleMemories, mnemoerr.CodeStoreError, func(ctx context.Context) error {
		h, err := r.scheduler.Schedule(ctx, scheduler.Request{
			ThreadID: t.in.ThreadID,
			UserID:   t.in.UserID,
			Target:   scheduler.TargetMemory,
			Delay:    r.debounce,
		})
		if err != nil {
			return err
		}
		t.memoryRun = h.ID
		return nil
	})
	return StateOutput, err
}

// output selects the latest assistant message of the thread as the turn's
// single output.
func (r *Runtime) output(ctx context.Context, t *turn) (State, error) {
	err := r.node(ctx, t, StateOutput, mnemoerr.CodeStoreError, func(ctx context.Context) error {
		msgs, err := r.threads.Messages(ctx, t.in.ThreadID)
		if err != nil {
			return mnemoerr.Transient("failed to load thread", err)
		}
		last, ok := message.LastAssistant(msgs)
		if !ok {
			return mnemoerr.ContractViolation("thread has no assistant message")
		}
		t.reply = last
		return nil
	})
	return StateDone, err
}

// node runs fn under the retry policy, records it as a ledger step and a
// span, and attributes any error to the node.
func (r *Runtime) node(ctx context.Context, t *turn, st State, fallbackCode string, fn func(ctx context.Context) error) error {
	name := st.String()
	if tc := telemetry.TraceFromContext(ctx); tc != nil {
		ctx = telemetry.ContextWithTrace(ctx, tc.WithNode(name))
	}
	ctx, span := telemetry.StartSpan(ctx, "node."+name)
	logger := r.logger.WithTrace(ctx)

	if r.ledger != nil {
		_ = r.ledger.StartStep(t.runID, name)
	}

	attempts := 0
	err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
		attempts++
		return fn(ctx)
	}, func(attempt int, delay time.Duration, err error) {
		r.metrics.IncNodeRetries()
		logger.Warn("Retrying node", "attempt", attempt, "delay", delay, "error", err)
		r.emit(event.NodeRetrying, map[string]interface{}{
			"run_id":  t.runID,
			"node":    name,
			"attempt": attempt,
			"error":   err.Error(),
		})
	})
	err = mnemoerr.AtNode(name, fallbackCode, err)

	if r.ledger != nil {
		_ = r.ledger.FinishStep(t.runID, name, attempts, nil, err)
	}
	telemetry.EndSpan(span, err)
	return err
}

func (r *Runtime) emit(t event.EventType, data map[string]interface{}) {
	if err := r.bus.Emit(event.NewEvent(t, data)); err != nil {
		r.logger.Warn("Event hook failed", "event", t, "error", err)
	}
}

// Close releases the dispatcher's worker pool.
func (r *Runtime) Close() error {
	r.dispatcher.Close()
	return nil
}
