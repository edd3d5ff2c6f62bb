package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task is a detached unit of background work
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// TaskQueue runs fire-and-forget work on a fixed worker pool.
// Submit never blocks: a full queue drops the task with a warning, and tasks
// still queued at shutdown are dropped.
type TaskQueue struct {
	tasks   chan Task
	workers int
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool

	dropped   atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64

	cancel context.CancelFunc
}

// NewTaskQueue creates a queue; call Start before submitting
func NewTaskQueue(workers, size int) *TaskQueue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &TaskQueue{
		tasks:   make(chan Task, size),
		workers: workers,
	}
}

// Start launches the workers. Tasks receive a context derived from ctx that is
// cancelled by Shutdown, not by the request that submitted them.
func (q *TaskQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	slog.Info("Task queue started", "workers", q.workers, "capacity", cap(q.tasks))
}

func (q *TaskQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			q.run(ctx, t)
		}
	}
}

func (q *TaskQueue) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.panicked.Add(1)
			slog.Error("PANIC recovered in background task",
				"panic", r,
				"task", t.Name,
			)
		}
	}()
	t.Run(ctx)
	q.completed.Add(1)
}

// Submit enqueues a task, returning false if it was dropped
func (q *TaskQueue) Submit(t Task) bool {
	if q.closed.Load() {
		q.dropped.Add(1)
		slog.Warn("Task queue closed, dropping task", "task", t.Name)
		return false
	}
	select {
	case q.tasks <- t:
		return true
	default:
		q.dropped.Add(1)
		slog.Warn("Task queue full, dropping task",
			"task", t.Name,
			"capacity", cap(q.tasks),
		)
		return false
	}
}

// Shutdown stops accepting work, cancels running tasks and waits for them to
// return until ctx expires
func (q *TaskQueue) Shutdown(ctx context.Context) {
	q.once.Do(func() {
		q.closed.Store(true)
		if q.cancel != nil {
			q.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Task queue stopped", "pending_dropped", len(q.tasks))
	case <-ctx.Done():
		slog.Warn("Task queue shutdown timed out", "error", ctx.Err())
	}
}

// TaskQueueStats is exposed on the metrics endpoint
type TaskQueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Dropped   int64 `json:"dropped"`
	Panicked  int64 `json:"panicked"`
}

// Stats returns current counters
func (q *TaskQueue) Stats() TaskQueueStats {
	return TaskQueueStats{
		Pending:   len(q.tasks),
		Completed: q.completed.Load(),
		Dropped:   q.dropped.Load(),
		Panicked:  q.panicked.Load(),
	}
}
