package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ghostflow-ai/ghostflow/pkg/metrics"
	"github.com/ghostflow-ai/ghostflow/pkg/models"
	"github.com/ghostflow-ai/ghostflow/pkg/store"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// Config tunes the task queue.
type Config struct {
	// Workers is the number of concurrent task processors.
	Workers int
	// QueueSize is the submission channel capacity.
	QueueSize int
	// TaskTimeout bounds one task run end to end.
	TaskTimeout time.Duration
	// MaxRetries is how many times a failed run is retried before the
	// task is marked failed. Only recoverable failures retry.
	MaxRetries int
	// RetryDelay is the pause between retry attempts.
	RetryDelay time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   100,
		TaskTimeout: 10 * time.Minute,
		MaxRetries:  3,
		RetryDelay:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Queue is a FIFO task queue backed by a buffered channel and a fixed
// worker pool. Enqueue never blocks; a full queue is reported to the
// caller instead.
type Queue struct {
	cfg      Config
	tasks    store.TaskStore
	executor TaskExecutor
	logger   *slog.Logger

	submissions chan string
	broadcaster Broadcaster

	mu      sync.RWMutex
	running map[string]context.CancelFunc
	workers []*workerState
	started bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// workerState tracks one worker's health.
type workerState struct {
	mu             sync.Mutex
	id             string
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

func (w *workerState) set(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

func (w *workerState) health() WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// New creates a queue. Start must be called before tasks are processed.
func New(cfg Config, tasks store.TaskStore, executor TaskExecutor, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:         cfg,
		tasks:       tasks,
		executor:    executor,
		logger:      logger.With("component", "task_queue"),
		submissions: make(chan string, cfg.QueueSize),
		running:     make(map[string]context.CancelFunc),
		stopCh:      make(chan struct{}),
	}
}

// SetBroadcaster wires task lifecycle notifications. Call before Start.
func (q *Queue) SetBroadcaster(b Broadcaster) {
	q.broadcaster = b
}

// announce notifies the broadcaster of a task status change, if one is
// wired.
func (q *Queue) announce(task *models.Task) {
	if q.broadcaster != nil && task != nil {
		q.broadcaster.BroadcastTask(task)
	}
}

// Start spawns the worker goroutines. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		q.logger.Warn("queue already started, ignoring duplicate Start")
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		ws := &workerState{
			id:           fmt.Sprintf("worker-%d", i),
			status:       WorkerStatusIdle,
			lastActivity: time.Now(),
		}
		q.workers = append(q.workers, ws)
		q.wg.Add(1)
		go q.runWorker(ctx, ws)
	}
	q.mu.Unlock()

	q.logger.Info("task queue started", "workers", q.cfg.Workers, "queue_size", q.cfg.QueueSize)
}

// Stop rejects further submissions, signals all workers, and waits for
// in-flight tasks to finish. Safe to call multiple times.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

// Enqueue submits a task for processing without blocking. The task must
// already exist in the task store.
func (q *Queue) Enqueue(taskID string) error {
	q.mu.RLock()
	stopped := q.stopped
	q.mu.RUnlock()
	if stopped {
		return ErrQueueStopped
	}

	select {
	case q.submissions <- taskID:
		metrics.TasksSubmitted.Inc()
		metrics.QueueDepth.Set(float64(len(q.submissions)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel aborts a running task's context. It reports whether the task
// was running on this queue; pending tasks are cancelled through the
// task store instead.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if cancel, ok := q.running[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// IsRunning reports whether the task is currently being processed.
func (q *Queue) IsRunning(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.running[taskID]
	return ok
}

// RunningCount returns the number of in-flight tasks.
func (q *Queue) RunningCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.running)
}

// Depth returns the number of queued, not yet claimed submissions.
func (q *Queue) Depth() int { return len(q.submissions) }

// Health returns the queue health snapshot.
func (q *Queue) Health() Health {
	q.mu.RLock()
	workers := append([]*workerState(nil), q.workers...)
	runningTasks := len(q.running)
	q.mu.RUnlock()

	stats := make([]WorkerHealth, len(workers))
	active := 0
	for i, ws := range workers {
		stats[i] = ws.health()
		if stats[i].Status == WorkerStatusWorking {
			active++
		}
	}
	return Health{
		IsHealthy:     len(workers) > 0,
		ActiveWorkers: active,
		TotalWorkers:  len(workers),
		RunningTasks:  runningTasks,
		QueueDepth:    len(q.submissions),
		QueueCapacity: q.cfg.QueueSize,
		WorkerStats:   stats,
	}
}

func (q *Queue) runWorker(ctx context.Context, ws *workerState) {
	defer q.wg.Done()

	log := q.logger.With("worker_id", ws.id)
	log.Info("worker started")

	for {
		select {
		case <-q.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		case taskID := <-q.submissions:
			q.process(ctx, ws, taskID)
		}
	}
}

// process claims and runs one task, retrying recoverable failures.
func (q *Queue) process(ctx context.Context, ws *workerState, taskID string) {
	log := q.logger.With("worker_id", ws.id, "task_id", taskID)

	metrics.QueueDepth.Set(float64(len(q.submissions)))

	taskCtx, cancelTask := context.WithTimeout(ctx, q.cfg.TaskTimeout)
	defer cancelTask()

	// Register before claiming: a duplicate submission of an in-flight
	// task must be dropped here, not run concurrently on a second worker.
	q.mu.Lock()
	if _, inFlight := q.running[taskID]; inFlight {
		q.mu.Unlock()
		log.Info("task already running, dropping duplicate submission")
		return
	}
	q.running[taskID] = cancelTask
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, taskID)
		q.mu.Unlock()
	}()

	start := time.Now()
	metrics.TasksRunning.Inc()
	ws.set(WorkerStatusWorking, taskID)
	defer func() {
		ws.mu.Lock()
		ws.tasksProcessed++
		ws.mu.Unlock()
		ws.set(WorkerStatusIdle, "")
		metrics.TasksRunning.Dec()
		metrics.TaskDuration.Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; ; attempt++ {
		task, err := q.tasks.Start(ctx, taskID)
		if errors.Is(err, store.ErrTaskTerminal) {
			// Cancelled or finished before the worker got to it.
			log.Info("task already terminal, skipping")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("task disappeared before processing")
			return
		}
		if err != nil {
			log.Error("failed to claim task", "error", err)
			return
		}

		log.Info("task claimed", "attempt", task.Attempts)
		q.announce(task)
		lastErr = q.executor.Execute(taskCtx, task)
		if lastErr == nil {
			// Terminal writes use a fresh context; taskCtx may be done.
			done, err := q.tasks.Complete(context.Background(), taskID)
			if err != nil && !errors.Is(err, store.ErrTaskTerminal) {
				log.Error("failed to mark task completed", "error", err)
			}
			q.announce(done)
			metrics.TasksFinished.WithLabelValues(string(models.TaskCompleted)).Inc()
			log.Info("task completed")
			return
		}

		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			q.fail(log, taskID, fmt.Sprintf("task timed out after %v", q.cfg.TaskTimeout))
			return
		}
		if errors.Is(taskCtx.Err(), context.Canceled) {
			cancelled, err := q.tasks.Cancel(context.Background(), taskID)
			if err != nil && !errors.Is(err, store.ErrTaskTerminal) {
				log.Error("failed to mark task cancelled", "error", err)
			}
			q.announce(cancelled)
			metrics.TasksFinished.WithLabelValues(string(models.TaskCancelled)).Inc()
			log.Info("task cancelled")
			return
		}

		if attempt >= q.cfg.MaxRetries || !recoverable(lastErr) {
			q.fail(log, taskID, lastErr.Error())
			return
		}

		log.Warn("task attempt failed, retrying",
			"error", lastErr, "attempt", attempt+1, "max_retries", q.cfg.MaxRetries)
		select {
		case <-time.After(q.cfg.RetryDelay):
		case <-taskCtx.Done():
		case <-q.stopCh:
			q.fail(log, taskID, lastErr.Error())
			return
		}
	}
}

func (q *Queue) fail(log *slog.Logger, taskID, errMsg string) {
	failed, err := q.tasks.Fail(context.Background(), taskID, errMsg)
	if err != nil && !errors.Is(err, store.ErrTaskTerminal) {
		log.Error("failed to mark task failed", "error", err)
	}
	q.announce(failed)
	metrics.TasksFinished.WithLabelValues(string(models.TaskFailed)).Inc()
	log.Warn("task failed", "reason", errMsg)
}

// recoverable reports whether a run failure is worth retrying.
func recoverable(err error) bool {
	var coded *stream.CodedError
	if errors.As(err, &coded) {
		return coded.Recoverable
	}
	return false
}
