package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// entry is one pending request and its timer.
type entry struct {
	req       Request
	timer     Timer
	cancelled bool
	started   bool
}

// Debouncer is the in-process Scheduler. Each thread has at most one
// pending request; scheduling again stops its timer and starts a new one.
//
// A request whose timer has already expired is not cancelled: once the
// deadline passes the run belongs to the handler, and the newer request is
// scheduled alongside it.
type Debouncer struct {
	clock   Clock
	handler Handler
	hooks   Hooks
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*entry
	running sync.WaitGroup
	closed  bool
}

// DebouncerOptions configures a Debouncer. Zero values select defaults.
type DebouncerOptions struct {
	Clock   Clock
	Hooks   Hooks
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// NewDebouncer creates a debouncer that runs handler for fired requests.
func NewDebouncer(handler Handler, opts DebouncerOptions) *Debouncer {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger(false)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		clock:   opts.Clock,
		handler: handler,
		hooks:   opts.Hooks,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*entry),
	}
}

// Schedule registers req to fire after req.Delay, superseding any pending
// request for the same thread. It never blocks on the handler.
func (d *Debouncer) Schedule(_ context.Context, req Request) (Handle, error) {
	if req.ThreadID == "" {
		return Handle{}, fmt.Errorf("schedule request requires a thread ID")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Target == "" {
		req.Target = TargetMemory
	}
	if req.Delay < 0 {
		req.Delay = 0
	}
	req.IssuedAt = d.clock.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Handle{}, mnemoerr.New(mnemoerr.CodeSchedulerClosed, "scheduler is closed")
	}

	var superseded *Request
	if prev, ok := d.pending[req.ThreadID]; ok {
		delete(d.pending, req.ThreadID)
		if !prev.started && prev.timer.Stop() {
			prev.cancelled = true
			superseded = &prev.req
		}
	}

	e := &entry{req: req}
	d.pending[req.ThreadID] = e
	// The timer is armed under the lock so a zero delay cannot fire before
	// the entry is visible.
	e.timer = d.clock.AfterFunc(req.Delay, func() { d.fire(e) })
	d.mu.Unlock()

	if superseded != nil {
		d.metrics.IncMemoryCancelled()
		d.logger.Debug("Scheduled run superseded", "thread_id", req.ThreadID, "request_id", superseded.ID)
		d.hooks.superseded(*superseded)
	}
	d.metrics.IncMemoryScheduled()
	d.logger.Debug("Run scheduled", "thread_id", req.ThreadID, "request_id", req.ID, "delay", req.Delay)
	d.hooks.scheduled(req)

	return Handle{ID: req.ID, ThreadID: req.ThreadID, FireAt: req.IssuedAt.Add(req.Delay)}, nil
}

func (d *Debouncer) fire(e *entry) {
	d.mu.Lock()
	ok := d.claimLocked(e)
	d.mu.Unlock()
	if !ok {
		return
	}

	defer d.running.Done()
	d.run(e.req)
}

// claimLocked marks e started and counts it as running. It reports false
// when e was cancelled, already started, or the debouncer is closed.
// d.mu must be held.
func (d *Debouncer) claimLocked(e *entry) bool {
	if e.cancelled || e.started || d.closed {
		return false
	}
	e.started = true
	if d.pending[e.req.ThreadID] == e {
		delete(d.pending, e.req.ThreadID)
	}
	d.running.Add(1)
	return true
}

func (d *Debouncer) run(req Request) {
	d.metrics.IncMemoryFired()
	d.hooks.fired(req)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Scheduled run panicked", "thread_id", req.ThreadID, "request_id", req.ID, "panic", r)
		}
	}()

	start := time.Now()
	if err := d.handler(d.ctx, req); err != nil {
		d.logger.Warn("Scheduled run failed",
			"thread_id", req.ThreadID,
			"request_id", req.ID,
			"error", err,
		)
		return
	}
	d.logger.Debug("Scheduled run finished", "thread_id", req.ThreadID, "request_id", req.ID, "duration", time.Since(start))
}

// Pending returns the pending request of a thread, if any.
func (d *Debouncer) Pending(threadID string) (Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.pending[threadID]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Flush fires every pending request now instead of waiting for its delay,
// runs them concurrently, then waits for all runs to finish.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	var due []Request
	for thread, e := range d.pending {
		if e.timer.Stop() && d.claimLocked(e) {
			due = append(due, e.req)
		}
		delete(d.pending, thread)
	}
	d.mu.Unlock()

	for _, req := range due {
		go func() {
			defer d.running.Done()
			d.run(req)
		}()
	}
	return d.Wait(ctx)
}

// Wait blocks until every started run has finished or ctx is done.
func (d *Debouncer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops pending requests and waits for running ones.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for thread, e := range d.pending {
		e.timer.Stop()
		e.cancelled = true
		delete(d.pending, thread)
	}
	d.mu.Unlock()

	d.running.Wait()
	d.cancel()
	return nil
}
