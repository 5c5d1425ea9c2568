package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed job. Handlers must be idempotent: the
// at-least-once guarantee means a crashed run is redelivered.
type Handler func(ctx context.Context, job *Job) error

// WorkerStatus is a snapshot of a worker's in-process counters. Counters
// are worker-instance fields; persistence across restarts is not required.
type WorkerStatus struct {
	Queue       string     `json:"queue"`
	Running     bool       `json:"running"`
	Processed   int64      `json:"processed"`
	Succeeded   int64      `json:"succeeded"`
	Failed      int64      `json:"failed"`
	LastJobAt   *time.Time `json:"last_job_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty"`
}

// Worker drives one queue with a single-threaded claim/execute loop.
type Worker struct {
	queue        *Queue
	handler      Handler
	batchSize    int
	busyInterval time.Duration
	idleInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	status WorkerStatus
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithBatchSize caps jobs processed per cycle (default 1).
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) { w.batchSize = n }
}

// WithIntervals sets the busy and idle poll intervals.
func WithIntervals(busy, idle time.Duration) WorkerOption {
	return func(w *Worker) {
		w.busyInterval = busy
		w.idleInterval = idle
	}
}

// NewWorker creates a worker over a queue.
func NewWorker(q *Queue, handler Handler, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queue:        q,
		handler:      handler,
		batchSize:    1,
		busyInterval: 2 * time.Second,
		idleInterval: 10 * time.Second,
		logger:       logger.With("component", "queue_worker", "queue", q.Name()),
		status:       WorkerStatus{Queue: q.Name()},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run loops until the context is cancelled. In-flight recovery happens
// first so jobs orphaned by a crash are redelivered. Shutdown is graceful:
// the current job finishes before the stop is observed.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.queue.RecoverStale(ctx); err != nil {
		w.logger.Error("stale recovery failed", "error", err)
	} else if n > 0 {
		now := time.Now()
		w.mu.Lock()
		w.status.RecoveredAt = &now
		w.mu.Unlock()
	}

	w.setRunning(true)
	defer w.setRunning(false)

	for {
		processed := w.cycle(ctx)
		interval := w.idleInterval
		if processed > 0 {
			interval = w.busyInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// cycle claims and runs up to batchSize jobs sequentially. Each handler is
// guarded so a panic never kills the loop.
func (w *Worker) cycle(ctx context.Context) int {
	processed := 0
	for i := 0; i < w.batchSize; i++ {
		if ctx.Err() != nil {
			return processed
		}
		job, err := w.queue.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			w.recordError(err)
			return processed
		}
		if job == nil {
			return processed
		}
		processed++
		w.runOne(ctx, job)
	}
	return processed
}

func (w *Worker) runOne(ctx context.Context, job *Job) {
	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		handlerErr = w.handler(ctx, job)
	}()

	now := time.Now()
	w.mu.Lock()
	w.status.Processed++
	w.status.LastJobAt = &now
	w.mu.Unlock()

	if handlerErr == nil {
		if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
			w.logger.Error("mark completed failed", "job_id", job.ID, "error", err)
		}
		w.mu.Lock()
		w.status.Succeeded++
		w.mu.Unlock()
		return
	}

	w.recordError(handlerErr)
	if err := w.queue.MarkFailure(ctx, job, handlerErr); err != nil {
		w.logger.Error("mark failure failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) recordError(err error) {
	w.mu.Lock()
	w.status.Failed++
	w.status.LastError = err.Error()
	w.mu.Unlock()
}

func (w *Worker) setRunning(running bool) {
	w.mu.Lock()
	w.status.Running = running
	w.mu.Unlock()
}

// Status returns a copy of the counters.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}
