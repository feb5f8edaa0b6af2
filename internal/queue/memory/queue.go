// Package memory provides a bounded in-process execution queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch       chan task.Execution
	done     chan struct{}
	doneOnce sync.Once
	closeMu  sync.RWMutex
	closed   bool
}

// NewQueue constructs a queue holding up to capacity executions.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan task.Execution, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an execution or returns when ctx ends.
func (q *Queue) Enqueue(ctx context.Context, exec task.Execution) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- exec:
		return nil
	}
}

// Dequeue pops the next execution, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (task.Execution, error) {
	select {
	case <-ctx.Done():
		return task.Execution{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case exec, ok := <-q.ch:
		if !ok {
			return task.Execution{}, ErrClosed
		}
		return exec, nil
	}
}

// Len reports the number of buffered executions.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting executions and returns those still buffered.
func (q *Queue) Close() []task.Execution {
	// Release blocked producers before taking the write lock.
	q.doneOnce.Do(func() { close(q.done) })
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	var pending []task.Execution
	for exec := range q.ch {
		pending = append(pending, exec)
	}
	return pending
}
