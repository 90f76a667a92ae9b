package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/mnemo-oss/mnemo/internal/telemetry"
)

// TaskType is the asynq task type of scheduled runs.
const TaskType = "mnemo:scheduled_run"

// AsynqScheduler schedules requests as delayed asynq tasks so any worker
// process sharing the Redis instance can run them. The ID of each thread's
// newest task is kept in Redis; scheduling swaps it and deletes the task it
// replaced. A task that is already active cannot be deleted and runs to
// completion.
type AsynqScheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
	queue     string
	prefix    string
	hooks     Hooks
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// AsynqOptions configures the asynq scheduler and worker.
type AsynqOptions struct {
	Addr     string
	Password string
	DB       int
	Queue    string
	Prefix   string
	Hooks    Hooks
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
}

func (o AsynqOptions) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

func (o *AsynqOptions) defaults() {
	if o.Queue == "" {
		o.Queue = "memory"
	}
	if o.Prefix == "" {
		o.Prefix = "mnemo"
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewLogger(false)
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewMetrics()
	}
}

// NewAsynqScheduler connects to Redis and verifies the connection.
func NewAsynqScheduler(opts AsynqOptions) (*AsynqScheduler, error) {
	opts.defaults()

	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &AsynqScheduler{
		client:    asynq.NewClient(opts.redisOpt()),
		inspector: asynq.NewInspector(opts.redisOpt()),
		redis:     rdb,
		queue:     opts.Queue,
		prefix:    opts.Prefix,
		hooks:     opts.Hooks,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

func (s *AsynqScheduler) pointerKey(threadID string) string {
	return s.prefix + ":scheduler:" + threadID
}

// Schedule enqueues req as a delayed task and deletes the thread's previous
// task if it has not started.
func (s *AsynqScheduler) Schedule(ctx context.Context, req Request) (Handle, error) {
	if req.ThreadID == "" {
		return Handle{}, fmt.Errorf("schedule request requires a thread ID")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Target == "" {
		req.Target = TargetMemory
	}
	req.IssuedAt = time.Now().UTC()

	payload, err := json.Marshal(req)
	if err != nil {
		return Handle{}, err
	}

	task := asynq.NewTask(TaskType, payload)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.TaskID(req.ID),
		asynq.Queue(s.queue),
		asynq.ProcessIn(req.Delay),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue scheduled run: %w", err)
	}
	s.metrics.IncMemoryScheduled()
	s.hooks.scheduled(req)

	prev, err := s.redis.SetArgs(ctx, s.pointerKey(req.ThreadID), req.ID, redis.SetArgs{Get: true}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Handle{}, fmt.Errorf("record scheduled run: %w", err)
	}
	if prev != "" && prev != req.ID {
		s.supersede(prev, req)
	}

	return Handle{ID: req.ID, ThreadID: req.ThreadID, FireAt: req.IssuedAt.Add(req.Delay)}, nil
}

func (s *AsynqScheduler) supersede(taskID string, next Request) {
	err := s.inspector.DeleteTask(s.queue, taskID)
	switch {
	case err == nil:
		s.metrics.IncMemoryCancelled()
		s.logger.Debug("Scheduled run superseded", "thread_id", next.ThreadID, "request_id", taskID)
		s.hooks.superseded(Request{ID: taskID, ThreadID: next.ThreadID, UserID: next.UserID, Target: next.Target})
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		// already ran
	default:
		// active tasks cannot be deleted; the run proceeds
		s.logger.Debug("Previous run not superseded", "thread_id", next.ThreadID, "request_id", taskID, "reason", err)
	}
}

// Close releases the Redis connections.
func (s *AsynqScheduler) Close() error {
	return errors.Join(s.client.Close(), s.inspector.Close(), s.redis.Close())
}

// Worker runs scheduled tasks from an asynq queue.
type Worker struct {
	server  *asynq.Server
	handler Handler
	hooks   Hooks
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewWorker creates a worker processing opts.Queue with the given
// concurrency.
func NewWorker(opts AsynqOptions, concurrency int, handler Handler) *Worker {
	opts.defaults()
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(opts.redisOpt(), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{opts.Queue: 1},
	})
	return &Worker{server: srv, handler: handler, hooks: opts.Hooks, logger: opts.Logger, metrics: opts.Metrics}
}

// ProcessTask decodes and runs one task. Failures are not retried by asynq;
// node-level retry happens inside the handler.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var req Request
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("decode scheduled run: %v: %w", err, asynq.SkipRetry)
	}

	w.metrics.IncMemoryFired()
	w.hooks.fired(req)
	if err := w.handler(ctx, req); err != nil {
		w.logger.Warn("Scheduled run failed", "thread_id", req.ThreadID, "request_id", req.ID, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskType, w.ProcessTask)

	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	w.logger.Info("Worker started")

	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info("Worker stopped")
	return nil
}
