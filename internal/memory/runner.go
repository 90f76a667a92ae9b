package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mnemo-oss/mnemo/internal/event"
	"github.com/mnemo-oss/mnemo/internal/scheduler"
	"github.com/mnemo-oss/mnemo/internal/state"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
	"github.com/mnemo-oss/mnemo/internal/thread"
)

// Runner executes scheduled memory runs: it loads the thread as it is when
// the run fires and fans extraction out over it.
type Runner struct {
	threads thread.Store
	fanout  *FanOut
	ledger  *state.Manager
	bus     *event.Bus
	logger  *telemetry.Logger
}

// RunnerOptions configures a Runner. Ledger and Bus are optional.
type RunnerOptions struct {
	Threads thread.Store
	FanOut  *FanOut
	Ledger  *state.Manager
	Bus     *event.Bus
	Logger  *telemetry.Logger
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger(false)
	}
	return &Runner{
		threads: opts.Threads,
		fanout:  opts.FanOut,
		ledger:  opts.Ledger,
		bus:     opts.Bus,
		logger:  opts.Logger,
	}
}

// Handle is the scheduler.Handler for memory runs.
func (r *Runner) Handle(ctx context.Context, req scheduler.Request) error {
	if req.Target != "" && req.Target != scheduler.TargetMemory {
		return fmt.Errorf("unsupported scheduled run target: %s", req.Target)
	}
	_, err := r.Run(ctx, req.ID, req.ThreadID, req.UserID)
	return err
}

// Run extracts memories from the current messages of threadID. Per-type
// failures are logged, recorded, and reported in the Result without failing
// the run; only a fan-out that cannot start returns an error.
func (r *Runner) Run(ctx context.Context, runID, threadID, userID string) (*Result, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	tc := telemetry.TraceFromContext(ctx)
	if tc == nil {
		tc = telemetry.NewTraceContext(runID)
	}
	ctx = telemetry.ContextWithTrace(ctx, tc.WithThread(threadID, userID))
	logger := r.logger.WithTrace(ctx)

	if r.ledger != nil {
		run, err := r.ledger.StartRun(runID, state.KindMemory, threadID, userID)
		if err != nil {
			logger.Warn("Failed to record memory run", "error", err)
		} else {
			runID = run.ID
		}
	}
	r.emit(event.MemoryFired, map[string]interface{}{
		"run_id":    runID,
		"thread_id": threadID,
		"user_id":   userID,
	})

	msgs, err := r.threads.Messages(ctx, threadID)
	if err != nil {
		err = fmt.Errorf("failed to load thread %s: %w", threadID, err)
		r.fail(runID, threadID, "load", err)
		return nil, err
	}

	r.startStep(runID, "extract")
	result, err := r.fanout.Run(ctx, Snapshot{ThreadID: threadID, UserID: userID, Messages: msgs})
	if err != nil {
		r.finishStep(runID, "extract", nil, err)
		r.fail(runID, threadID, "extract", err)
		return nil, err
	}

	failed := make(map[string]interface{})
	writes := make(map[string]interface{})
	for _, t := range result.Tasks {
		writes[t.Type] = t.Writes
		data := map[string]interface{}{
			"run_id":      runID,
			"thread_id":   threadID,
			"user_id":     userID,
			"memory_type": t.Type,
			"writes":      t.Writes,
			"duration_ms": t.Duration.Milliseconds(),
		}
		if t.Err != nil {
			failed[t.Type] = t.Err.Error()
			data["error"] = t.Err.Error()
			r.emit(event.MemoryFailed, data)
			continue
		}
		r.emit(event.MemoryExtracted, data)
	}

	outputs := map[string]interface{}{
		"writes":   result.Writes(),
		"by_type":  writes,
		"messages": len(msgs),
	}
	if len(failed) > 0 {
		outputs["failed"] = failed
	}
	r.finishStep(runID, "extract", outputs, result.Err())
	if r.ledger != nil {
		if err := r.ledger.CompleteRun(runID, outputs); err != nil {
			logger.Warn("Failed to record memory run", "error", err)
		}
	}

	return result, nil
}

func (r *Runner) fail(runID, threadID, node string, err error) {
	r.logger.Warn("Memory run failed", "run_id", runID, "thread_id", threadID, "node", node, "error", err)
	r.emit(event.MemoryFailed, map[string]interface{}{
		"run_id":    runID,
		"thread_id": threadID,
		"node":      node,
		"error":     err.Error(),
	})
	if r.ledger != nil {
		_ = r.ledger.FailRun(runID, node, err)
	}
}

func (r *Runner) startStep(runID, name string) {
	if r.ledger != nil {
		_ = r.ledger.StartStep(runID, name)
	}
}

func (r *Runner) finishStep(runID, name string, outputs map[string]interface{}, err error) {
	if r.ledger != nil {
		_ = r.ledger.FinishStep(runID, name, 1, outputs, err)
	}
}

func (r *Runner) emit(t event.EventType, data map[string]interface{}) {
	if err := r.bus.Emit(event.NewEvent(t, data)); err != nil {
		r.logger.Warn("Event hook failed", "event", t, "error", err)
	}
}

// Hooks records scheduler transitions in the run ledger and on the event
// bus. Fired requests are recorded by Run itself.
func (r *Runner) Hooks() scheduler.Hooks {
	return scheduler.Hooks{
		Scheduled: func(req scheduler.Request) {
			if r.ledger != nil {
				meta := map[string]interface{}{
					"delay":   req.Delay.String(),
					"fire_at": req.IssuedAt.Add(req.Delay),
				}
				if err := r.ledger.RecordPending(req.ID, state.KindMemory, req.ThreadID, req.UserID, meta); err != nil {
					r.logger.Warn("Failed to record scheduled memory run", "request_id", req.ID, "error", err)
				}
			}
			r.emit(event.MemoryScheduled, map[string]interface{}{
				"run_id":    req.ID,
				"thread_id": req.ThreadID,
				"user_id":   req.UserID,
				"delay_ms":  req.Delay.Milliseconds(),
			})
		},
		Superseded: func(req scheduler.Request) {
			if r.ledger != nil {
				if err := r.ledger.Supersede(req.ID); err != nil {
					r.logger.Debug("Failed to record superseded memory run", "request_id", req.ID, "error", err)
				}
			}
			r.emit(event.MemoryCancelled, map[string]interface{}{
				"run_id":    req.ID,
				"thread_id": req.ThreadID,
			})
		},
	}
}
