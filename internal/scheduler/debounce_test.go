package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
)

type recorder struct {
	mu    sync.Mutex
	fired []Request
	times []time.Time
	clock Clock
	// snapshot is read at fire time, like a handler loading thread messages.
	snapshot func() string
	seen     []string
}

func (r *recorder) handle(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, req)
	r.times = append(r.times, r.clock.Now())
	if r.snapshot != nil {
		r.seen = append(r.seen, r.snapshot())
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func newTestDebouncer(t *testing.T) (*Debouncer, *FakeClock, *recorder) {
	t.Helper()
	clock := NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{clock: clock}
	d := NewDebouncer(rec.handle, DebouncerOptions{Clock: clock})
	t.Cleanup(func() { d.Close() })
	return d, clock, rec
}

func TestDebouncer_FiresOnceAfterDelay(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)
	ctx := context.Background()

	if _, err := d.Schedule(ctx, Request{ThreadID: "t1", Delay: time.Minute}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(59 * time.Second)
	if rec.count() != 0 {
		t.Fatal("fired before the delay elapsed")
	}
	clock.Advance(time.Second)
	if rec.count() != 1 {
		t.Fatalf("expected 1 fire, got %d", rec.count())
	}

	clock.Advance(time.Hour)
	if rec.count() != 1 {
		t.Fatalf("a request must fire exactly once, got %d", rec.count())
	}
	if _, ok := d.Pending("t1"); ok {
		t.Error("fired request should no longer be pending")
	}
}

func TestDebouncer_BurstCollapsesToLast(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)
	ctx := context.Background()
	const delay = 10 * time.Second

	var current string
	rec.snapshot = func() string { return current }

	start := clock.Now()
	var last Handle
	for i, msg := range []string{"a", "b", "c", "d", "e"} {
		current = msg
		h, err := d.Schedule(ctx, Request{ThreadID: "t1", Delay: delay})
		if err != nil {
			t.Fatal(err)
		}
		last = h
		if i < 4 {
			clock.Advance(3 * time.Second)
		}
	}
	lastIssued := start.Add(12 * time.Second)

	clock.Advance(delay - time.Second)
	if rec.count() != 0 {
		t.Fatal("fired while the timer was still restarting")
	}
	clock.Advance(time.Second)

	if rec.count() != 1 {
		t.Fatalf("expected exactly one fire for the burst, got %d", rec.count())
	}
	if rec.fired[0].ID != last.ID {
		t.Errorf("expected the last request to fire, got %s", rec.fired[0].ID)
	}
	if rec.times[0].Before(lastIssued.Add(delay)) {
		t.Errorf("fired at %v, before last+delay %v", rec.times[0], lastIssued.Add(delay))
	}
	if rec.seen[0] != "e" {
		t.Errorf("handler should see the snapshot at fire time, got %q", rec.seen[0])
	}
	if clock.Pending() != 0 {
		t.Errorf("superseded timers should be stopped, %d pending", clock.Pending())
	}
}

func TestDebouncer_ThreadsAreIndependent(t *testing.T) {
	d, clock, rec := newTestDebouncer(t)
	ctx := context.Background()

	_, _ = d.Schedule(ctx, Request{ThreadID: "t1", Delay: time.Second})
	_, _ = d.Schedule(ctx, Request{ThreadID: "t2", Delay: time.Second})
	clock.Advance(time.Second)

	if rec.count() != 2 {
		t.Fatalf("expected one fire per thread, got %d", rec.count())
	}
}

func TestDebouncer_Hooks(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var mu sync.Mutex
	var scheduled, superseded, fired []string
	d := NewDebouncer(func(context.Context, Request) error { return nil }, DebouncerOptions{
		Clock: clock,
		Hooks: Hooks{
			Scheduled:  func(r Request) { mu.Lock(); scheduled = append(scheduled, r.ID); mu.Unlock() },
			Superseded: func(r Request) { mu.Lock(); superseded = append(superseded, r.ID); mu.Unlock() },
			Fired:      func(r Request) { mu.Lock(); fired = append(fired, r.ID); mu.Unlock() },
		},
	})
	defer d.Close()

	ctx := context.Background()
	first, _ := d.Schedule(ctx, Request{ID: "r1", ThreadID: "t", Delay: time.Second})
	second, _ := d.Schedule(ctx, Request{ID: "r2", ThreadID: "t", Delay: time.Second})
	clock.Advance(time.Second)

	if len(scheduled) != 2 {
		t.Errorf("expected 2 scheduled, got %v", scheduled)
	}
	if len(superseded) != 1 || superseded[0] != first.ID {
		t.Errorf("expected %s superseded, got %v", first.ID, superseded)
	}
	if len(fired) != 1 || fired[0] != second.ID {
		t.Errorf("expected %s fired, got %v", second.ID, fired)
	}
}

func TestDebouncer_ExpiredTimerStillRuns(t *testing.T) {
	// The first timer expires but its callback has not run yet when a new
	// request arrives. The expired run must not be cancelled.
	clock := NewFakeClock(time.Unix(0, 0))
	rec := &recorder{clock: clock}
	d := NewDebouncer(rec.handle, DebouncerOptions{Clock: clock})
	defer d.Close()
	ctx := context.Background()

	_, _ = d.Schedule(ctx, Request{ID: "r1", ThreadID: "t", Delay: time.Second})

	d.mu.Lock()
	e := d.pending["t"]
	d.mu.Unlock()
	ft := e.timer.(*fakeTimer)
	clock.mu.Lock()
	ft.fired = true // deadline passed, callback not yet scheduled
	clock.mu.Unlock()

	_, _ = d.Schedule(ctx, Request{ID: "r2", ThreadID: "t", Delay: time.Second})
	d.fire(e)
	clock.Advance(time.Second)

	if rec.count() != 2 {
		t.Fatalf("expected both runs, got %d", rec.count())
	}
	if rec.fired[0].ID != "r1" || rec.fired[1].ID != "r2" {
		t.Errorf("unexpected fire order: %+v", rec.fired)
	}
}

func TestDebouncer_FireDoesNotBlockSchedule(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := NewDebouncer(func(context.Context, Request) error {
		started <- struct{}{}
		<-release
		return nil
	}, DebouncerOptions{Clock: clock})
	ctx := context.Background()

	_, _ = d.Schedule(ctx, Request{ThreadID: "t", Delay: time.Second})
	go clock.Advance(time.Second)
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := d.Schedule(ctx, Request{ThreadID: "t", Delay: time.Second})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Schedule blocked on a running handler")
	}

	close(release)
	d.Close()
}

func TestDebouncer_Flush(t *testing.T) {
	d, _, rec := newTestDebouncer(t)
	ctx := context.Background()

	_, _ = d.Schedule(ctx, Request{ThreadID: "t1", Delay: time.Hour})
	_, _ = d.Schedule(ctx, Request{ThreadID: "t2", Delay: time.Hour})

	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 2 {
		t.Fatalf("expected flush to fire both, got %d", rec.count())
	}
}

func TestDebouncer_FlushRunsThreadsConcurrently(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	started := make(chan string, 3)
	release := make(chan struct{})
	d := NewDebouncer(func(_ context.Context, r Request) error {
		started <- r.ThreadID
		<-release
		return nil
	}, DebouncerOptions{Clock: clock})
	defer d.Close()
	ctx := context.Background()

	for _, thread := range []string{"t1", "t2", "t3"} {
		_, _ = d.Schedule(ctx, Request{ThreadID: thread, Delay: time.Hour})
	}

	flushed := make(chan error, 1)
	go func() { flushed <- d.Flush(ctx) }()

	// Every run must be in flight at once; run one after another the second
	// would never start while the first holds release.
	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case thread := <-started:
			seen[thread] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 runs started together", len(seen))
		}
	}
	select {
	case <-flushed:
		t.Fatal("Flush returned before its runs finished")
	default:
	}

	close(release)
	if err := <-flushed; err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Pending("t1"); ok {
		t.Error("flushed thread still pending")
	}
}

func TestDebouncer_CloseDropsPending(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	rec := &recorder{clock: clock}
	d := NewDebouncer(rec.handle, DebouncerOptions{Clock: clock})
	ctx := context.Background()

	_, _ = d.Schedule(ctx, Request{ThreadID: "t", Delay: time.Second})
	d.Close()
	clock.Advance(time.Minute)

	if rec.count() != 0 {
		t.Error("pending request fired after Close")
	}
	_, err := d.Schedule(ctx, Request{ThreadID: "t"})
	if mnemoerr.AsCode(err) != mnemoerr.CodeSchedulerClosed {
		t.Errorf("expected SCHEDULER_CLOSED, got %v", err)
	}
}

func TestDebouncer_RequiresThread(t *testing.T) {
	d, _, _ := newTestDebouncer(t)
	if _, err := d.Schedule(context.Background(), Request{}); err == nil {
		t.Error("expected error without thread ID")
	}
}

func TestDebouncer_RealClock(t *testing.T) {
	fired := make(chan Request, 1)
	d := NewDebouncer(func(_ context.Context, r Request) error {
		fired <- r
		return nil
	}, DebouncerOptions{})
	defer d.Close()

	h, err := d.Schedule(context.Background(), Request{ThreadID: "t", Delay: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-fired:
		if r.ID != h.ID {
			t.Errorf("expected %s, got %s", h.ID, r.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never fired")
	}
}
