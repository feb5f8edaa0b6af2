package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

// TaskStore keeps tasks in-memory for development and single-process deployments.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
	now   func() time.Time
	evict func(task.Task)
}

// TaskStoreOption customizes a TaskStore.
type TaskStoreOption func(*TaskStore)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) TaskStoreOption {
	return func(s *TaskStore) { s.now = now }
}

// WithEvictHook calls fn, outside the store lock, for every task Sweep removes.
func WithEvictHook(fn func(task.Task)) TaskStoreOption {
	return func(s *TaskStore) { s.evict = fn }
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(opts ...TaskStoreOption) *TaskStore {
	s := &TaskStore{
		tasks: make(map[string]task.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new task.
func (s *TaskStore) Create(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[t.ID]; ok && !s.expired(existing) {
		return fmt.Errorf("create task %s: %w", t.ID, task.ErrExists)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Save overwrites an existing task.
func (s *TaskStore) Save(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[t.ID]
	if !ok || s.expired(existing) {
		delete(s.tasks, t.ID)
		return fmt.Errorf("save task %s: %w", t.ID, task.ErrNotFound)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get fetches a task by id.
func (s *TaskStore) Get(_ context.Context, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || s.expired(t) {
		return task.Task{}, task.ErrNotFound
	}
	return t.Clone(), nil
}

// List returns every unexpired task in no particular order.
func (s *TaskStore) List(_ context.Context) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if s.expired(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// Ping always succeeds.
func (s *TaskStore) Ping(context.Context) error {
	return nil
}

// Sweep drops expired tasks and returns how many were removed.
func (s *TaskStore) Sweep() int {
	s.mu.Lock()
	var removed []task.Task
	for id, t := range s.tasks {
		if s.expired(t) {
			delete(s.tasks, id)
			removed = append(removed, t)
		}
	}
	s.mu.Unlock()
	if s.evict != nil {
		for _, t := range removed {
			s.evict(t)
		}
	}
	return len(removed)
}

// RunSweeper calls Sweep every interval until ctx ends.
func (s *TaskStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *TaskStore) expired(t task.Task) bool {
	return !t.ExpiresAt.IsZero() && !s.now().Before(t.ExpiresAt)
}
