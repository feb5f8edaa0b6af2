// Package worker runs scheduled task executions.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/metrics"
	"github.com/JakeFAU/jobsearch-crawler/internal/queue/memory"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

// Queue supplies executions to workers.
type Queue interface {
	Dequeue(ctx context.Context) (task.Execution, error)
}

// Worker consumes executions one at a time.
type Worker struct {
	id     int
	queue  Queue
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue Queue, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming executions until ctx finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		exec, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", exec.TaskID))
		w.execute(ctx, exec)
	}
}

func (w *Worker) execute(ctx context.Context, exec task.Execution) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task execution panicked",
				zap.String("task_id", exec.TaskID),
				zap.Error(fmt.Errorf("%v", r)),
			)
		}
	}()
	if exec.Run == nil {
		w.logger.Error("execution has no run function", zap.String("task_id", exec.TaskID))
		return
	}
	exec.Run(ctx)
}
