// Package dispatcher fans task executions out to a fixed worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/queue/memory"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
	"github.com/JakeFAU/jobsearch-crawler/internal/worker"
)

// DefaultEnqueueTimeout bounds how long Schedule waits for queue space.
const DefaultEnqueueTimeout = 5 * time.Second

// ErrQueueFull is returned when no queue slot frees up in time.
var ErrQueueFull = errors.New("task queue is full")

// Dispatcher implements task.Scheduler over a bounded queue.
type Dispatcher struct {
	queue          *memory.Queue
	workers        []*worker.Worker
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

// New creates a Dispatcher with concurrency workers over queue.
func New(queue *memory.Queue, concurrency int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	workers := make([]*worker.Worker, 0, concurrency)
	for i := range concurrency {
		workers = append(workers, worker.New(i+1, queue, logger.Named("worker")))
	}
	return &Dispatcher{
		queue:          queue,
		workers:        workers,
		enqueueTimeout: DefaultEnqueueTimeout,
		logger:         logger,
	}
}

// Run starts all workers and blocks until ctx finishes. Executions still
// queued at shutdown are run with the canceled context so their tasks end
// as failed instead of staying pending.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()

	pending := d.queue.Close()
	if len(pending) > 0 {
		d.logger.Info("failing queued tasks on shutdown", zap.Int("count", len(pending)))
	}
	for _, exec := range pending {
		if exec.Run != nil {
			exec.Run(ctx)
		}
	}
}

// Schedule enqueues exec, waiting at most the enqueue timeout for space.
func (d *Dispatcher) Schedule(ctx context.Context, exec task.Execution) error {
	enqueueCtx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
	defer cancel()
	if err := d.queue.Enqueue(enqueueCtx, exec); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return ErrQueueFull
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
