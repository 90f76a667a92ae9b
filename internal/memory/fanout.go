package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/message"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// Snapshot is the input of one extraction run: a thread's messages as of the
// moment the run fired.
type Snapshot struct {
	ThreadID string
	UserID   string
	Messages []message.Message
}

// TaskResult is the outcome of one memory type's extraction.
type TaskResult struct {
	Type     string
	Node     string
	Writes   int
	Err      error
	Duration time.Duration
}

// Result collects the outcome of every task of a fan-out, in registry order.
type Result struct {
	Tasks []TaskResult
}

// Writes returns the total number of memories written.
func (r *Result) Writes() int {
	n := 0
	for _, t := range r.Tasks {
		n += t.Writes
	}
	return n
}

// Failed returns the tasks that failed.
func (r *Result) Failed() []TaskResult {
	var failed []TaskResult
	for _, t := range r.Tasks {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// Err joins the errors of failed tasks, or returns nil.
func (r *Result) Err() error {
	var errs []error
	for _, t := range r.Failed() {
		errs = append(errs, t.Err)
	}
	return errors.Join(errs...)
}

// FanOut runs every extractor of a registry over one snapshot in parallel.
// Tasks share nothing but the snapshot, which they only read; a failing task
// never cancels its siblings.
type FanOut struct {
	registry *Registry
	limit    int
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewFanOut creates a fan-out over registry. limit bounds concurrent tasks;
// zero or less runs every task at once.
func NewFanOut(registry *Registry, limit int, logger *telemetry.Logger, metrics *telemetry.Metrics) *FanOut {
	if logger == nil {
		logger = telemetry.NewLogger(false)
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &FanOut{registry: registry, limit: limit, logger: logger, metrics: metrics}
}

// Run extracts every memory type from snap and waits for all of them. The
// returned error is non-nil only when the fan-out could not start; per-type
// failures are reported in the Result.
func (f *FanOut) Run(ctx context.Context, snap Snapshot) (*Result, error) {
	if len(snap.Messages) == 0 {
		return nil, mnemoerr.New(mnemoerr.CodeEmptySnapshot, "no messages to extract memories from").
			WithNode("extract")
	}

	extractors := f.registry.Extractors()
	result := &Result{Tasks: make([]TaskResult, len(extractors))}
	if len(extractors) == 0 {
		f.logger.WithTrace(ctx).Debug("No memory types configured, nothing to extract", "thread_id", snap.ThreadID)
		return result, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "memory.fanout",
		attribute.String("mnemo.user_id", snap.UserID),
		attribute.Int("mnemo.memory_types", len(extractors)),
		attribute.Int("mnemo.messages", len(snap.Messages)),
	)

	var g errgroup.Group
	if f.limit > 0 {
		g.SetLimit(f.limit)
	}
	for i, ex := range extractors {
		g.Go(func() error {
			result.Tasks[i] = f.runTask(ctx, ex, snap)
			return nil
		})
	}
	_ = g.Wait()

	writes := result.Writes()
	f.metrics.AddMemoryWrites(writes)
	err := result.Err()
	telemetry.EndSpan(span, err)

	f.logger.WithTrace(ctx).Info("Memory extraction finished",
		"thread_id", snap.ThreadID,
		"types", len(extractors),
		"failed", len(result.Failed()),
		"writes", writes,
	)
	return result, nil
}

func (f *FanOut) runTask(ctx context.Context, ex Extractor, snap Snapshot) (res TaskResult) {
	node := "extract:" + ex.Name()
	res = TaskResult{Type: ex.Name(), Node: node}

	ctx, span := telemetry.StartSpan(ctx, "memory.extract", attribute.String("mnemo.memory_type", ex.Name()))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = mnemoerr.New(mnemoerr.CodeExtractionFailed, fmt.Sprintf("extraction panicked: %v", r)).WithNode(node)
		}
		res.Duration = time.Since(start)
		f.metrics.IncExtraction(res.Err == nil)
		telemetry.EndSpan(span, res.Err)

		if res.Err != nil {
			f.logger.WithTrace(ctx).Warn("Memory extraction failed",
				"memory_type", res.Type,
				"error", res.Err,
			)
		}
	}()

	writes, err := ex.Extract(ctx, snap.UserID, snap.Messages)
	res.Writes = writes
	res.Err = mnemoerr.AtNode(node, mnemoerr.CodeExtractionFailed, err)
	return res
}
