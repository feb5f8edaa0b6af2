package task

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/clock/system"
	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/id/uuid"
	"github.com/JakeFAU/jobsearch-crawler/internal/metrics"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

const (
	// DefaultTimeout bounds how long a task may stay running.
	DefaultTimeout = 10 * time.Minute
	// DefaultRetention is how long a task stays queryable.
	DefaultRetention = 24 * time.Hour

	lockStripes = 64
)

// Config tunes the Manager.
type Config struct {
	Timeout   time.Duration
	Retention time.Duration
	// Topic receives terminal notifications when a Publisher is set.
	Topic string
	// Instance identifies this process to Recover. Tasks accepted by another
	// instance are left alone.
	Instance string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithArchive stores the records of every completed task in a.
func WithArchive(a ListingArchive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithPublisher emits terminal notifications through p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// Manager is the only writer of task state.
type Manager struct {
	store     Store
	scheduler Scheduler
	crawler   Crawler
	artifacts ArtifactWriter
	archive   ListingArchive
	publisher Publisher
	clock     Clock
	ids       IDGenerator
	cfg       Config
	logger    *zap.Logger

	locks [lockStripes]sync.Mutex

	claimMu sync.Mutex
	claimed map[string]struct{}
}

// NewManager wires a Manager.
func NewManager(
	store Store,
	scheduler Scheduler,
	executor Crawler,
	artifacts ArtifactWriter,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Manager, error) {
	if store == nil || scheduler == nil || executor == nil || artifacts == nil {
		return nil, errors.New("task manager requires store, scheduler, crawler and artifact writer")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:     store,
		scheduler: scheduler,
		crawler:   executor,
		artifacts: artifacts,
		clock:     system.New(),
		ids:       uuid.New(),
		cfg:       cfg,
		logger:    logger,
		claimed:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Submit validates spec, records a pending task and schedules it. The id is
// returned even when scheduling fails; the task is then already failed.
func (m *Manager) Submit(ctx context.Context, spec search.Specification) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err //nolint:wrapcheck // callers match *search.ValidationError
	}
	id, err := m.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := m.clock.Now()
	t := Task{
		ID:            id,
		State:         StatePending,
		Specification: spec.Clone(),
		SubmittedAt:   now,
		ExpiresAt:     now.Add(m.cfg.Retention),
		Owner:         m.cfg.Instance,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	metrics.ObserveTask(string(StatePending))

	exec := Execution{
		TaskID: id,
		Run:    func(runCtx context.Context) { m.run(runCtx, id) },
	}
	if err := m.scheduler.Schedule(ctx, exec); err != nil {
		m.fail(context.WithoutCancel(ctx), id, KindInternal, "schedule task: "+err.Error())
		return id, fmt.Errorf("schedule task %s: %w", id, err)
	}
	m.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.Strings("keywords", spec.Keywords),
		zap.Int("pages", spec.PagesPerKeyword),
	)
	return id, nil
}

// GetStatus returns a snapshot of the task.
func (m *Manager) GetStatus(ctx context.Context, id string) (Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t.Clone(), nil
}

// GetResult returns the result summary of a completed task.
func (m *Manager) GetResult(ctx context.Context, id string) (ResultSummary, error) {
	t, err := m.GetStatus(ctx, id)
	if err != nil {
		return ResultSummary{}, err
	}
	if t.State != StateCompleted || t.Result == nil {
		return ResultSummary{}, fmt.Errorf("task %s is %s: %w", id, t.State, ErrNotCompleted)
	}
	return *t.Result, nil
}

// OpenArtifact streams the CSV result set of a completed task.
func (m *Manager) OpenArtifact(ctx context.Context, id string) (io.ReadCloser, error) {
	res, err := m.GetResult(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := m.artifacts.Open(ctx, res.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact for task %s: %w", id, err)
	}
	return rc, nil
}

// List returns all retained tasks, most recent first.
func (m *Manager) List(ctx context.Context) ([]Task, error) {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].LastActivity(), tasks[j].LastActivity()
		if a.Equal(b) {
			return tasks[i].ID < tasks[j].ID
		}
		return a.After(b)
	})
	return tasks, nil
}

// Stats counts retained tasks per state.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list tasks: %w", err)
	}
	var s Stats
	for _, t := range tasks {
		switch t.State {
		case StatePending:
			s.Pending++
		case StateRunning:
			s.Running++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	s.Total = len(tasks)
	return s, nil
}

// Ping checks the task store.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping task store: %w", err)
	}
	return nil
}

// Recover fails tasks that an earlier run of this instance left pending or
// running.
// It must run before the scheduler accepts new work.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	recovered := 0
	for _, t := range tasks {
		if t.State.IsTerminal() || t.Owner != m.cfg.Instance {
			continue
		}
		if m.fail(ctx, t.ID, KindInternal, "interrupted by service restart") {
			recovered++
		}
	}
	return recovered, nil
}

type runOutcome struct {
	summary ResultSummary
	kind    ErrorKind
	err     error
}

func (m *Manager) run(ctx context.Context, id string) {
	if !m.claim(id) {
		m.logger.Warn("task already executing", zap.String("task_id", id))
		return
	}
	defer m.release(id)

	final := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		m.fail(final, id, KindInternal, "service shut down before task started")
		return
	}

	started, err := m.transition(ctx, id, func(t *Task) error {
		if t.State != StatePending {
			return fmt.Errorf("task %s is %s, not pending", id, t.State)
		}
		t.State = StateRunning
		t.StartedAt = pointerTime(m.clock.Now())
		return nil
	})
	if err != nil {
		m.logger.Warn("task could not start", zap.String("task_id", id), zap.Error(err))
		return
	}
	metrics.ObserveTask(string(StateRunning))
	logger := m.logger.With(zap.String("task_id", id))
	logger.Info("task running")

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{kind: KindInternal, err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		done <- m.execute(runCtx, id, started.Specification)
	}()

	select {
	case out := <-done:
		switch {
		case out.err == nil:
			m.complete(final, id, out.summary)
		case ctx.Err() != nil:
			m.fail(final, id, KindInternal, "service shut down while task running")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			m.fail(final, id, KindTimeout, m.timeoutDetail())
		default:
			m.fail(final, id, out.kind, out.err.Error())
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			m.fail(final, id, KindInternal, "service shut down while task running")
			return
		}
		m.fail(final, id, KindTimeout, m.timeoutDetail())
	}
}

func (m *Manager) execute(ctx context.Context, id string, spec search.Specification) runOutcome {
	res, err := m.crawler.Execute(ctx, spec, func(p crawler.Progress) {
		m.updateProgress(ctx, id, p)
	})
	if err != nil {
		kind := KindCrawl
		if errors.Is(err, crawler.ErrMisconfigured) {
			kind = KindInternal
		}
		return runOutcome{kind: kind, err: err}
	}

	art, err := m.artifacts.Write(ctx, id, res.Records)
	if err != nil {
		return runOutcome{kind: KindInternal, err: fmt.Errorf("write artifact: %w", err)}
	}
	if m.archive != nil {
		if err := m.archive.Archive(ctx, id, res.Records); err != nil {
			return runOutcome{kind: KindInternal, err: fmt.Errorf("archive listings: %w", err)}
		}
	}
	return runOutcome{summary: ResultSummary{
		RecordCount:    len(res.Records),
		ArtifactURI:    art.URI,
		ArtifactPath:   art.Path,
		Checksum:       art.Checksum,
		PagesTotal:     res.PagesTotal,
		PagesSucceeded: res.PagesSucceeded,
		PageFailures:   res.Failures,
		Specification:  spec.Clone(),
	}}
}

func (m *Manager) updateProgress(ctx context.Context, id string, p crawler.Progress) {
	_, err := m.transition(ctx, id, func(t *Task) error {
		if t.State != StateRunning {
			return ErrTerminal
		}
		t.Progress = p
		return nil
	})
	if err != nil && !errors.Is(err, ErrTerminal) {
		m.logger.Debug("progress update dropped", zap.String("task_id", id), zap.Error(err))
	}
}

func (m *Manager) complete(ctx context.Context, id string, summary ResultSummary) {
	t, err := m.transition(ctx, id, func(t *Task) error {
		now := m.clock.Now()
		t.State = StateCompleted
		t.CompletedAt = pointerTime(now)
		t.Result = &summary
		t.Progress = crawler.Progress{
			PagesTotal:  summary.PagesTotal,
			PagesDone:   summary.PagesTotal,
			PagesFailed: len(summary.PageFailures),
			Records:     summary.RecordCount,
		}
		t.ExpiresAt = now.Add(m.cfg.Retention)
		return nil
	})
	if err != nil {
		m.logger.Warn("task completion dropped", zap.String("task_id", id), zap.Error(err))
		return
	}
	m.logger.Info("task completed",
		zap.String("task_id", id),
		zap.Int("records", summary.RecordCount),
		zap.Int("page_failures", len(summary.PageFailures)),
		zap.String("artifact", summary.ArtifactURI),
	)
	m.finished(ctx, t)
}

// fail moves a task to failed and reports whether this call did so.
func (m *Manager) fail(ctx context.Context, id string, kind ErrorKind, detail string) bool {
	t, err := m.transition(ctx, id, func(t *Task) error {
		now := m.clock.Now()
		t.State = StateFailed
		t.FailedAt = pointerTime(now)
		t.ErrorKind = kind
		t.ErrorDetail = detail
		t.ExpiresAt = now.Add(m.cfg.Retention)
		return nil
	})
	if err != nil {
		m.logger.Warn("task failure dropped", zap.String("task_id", id), zap.Error(err))
		return false
	}
	m.logger.Warn("task failed",
		zap.String("task_id", id),
		zap.String("error_kind", string(kind)),
		zap.String("error", detail),
	)
	m.finished(ctx, t)
	return true
}

func (m *Manager) finished(ctx context.Context, t Task) {
	end := t.CompletedAt
	if end == nil {
		end = t.FailedAt
	}
	metrics.ObserveTask(string(t.State))
	if t.StartedAt != nil && end != nil {
		metrics.ObserveTaskDuration(string(t.State), end.Sub(*t.StartedAt))
	}
	if m.publisher == nil {
		return
	}
	n := Notification{
		TaskID:      t.ID,
		Status:      t.State,
		ErrorKind:   t.ErrorKind,
		ErrorDetail: t.ErrorDetail,
	}
	if end != nil {
		n.FinishedAt = *end
	}
	if t.Result != nil {
		n.RecordCount = t.Result.RecordCount
		n.ArtifactURI = t.Result.ArtifactURI
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, n); err != nil {
		m.logger.Warn("publish task notification", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// transition applies mutate to the stored task under the task's lock.
// Terminal tasks are never modified.
func (m *Manager) transition(ctx context.Context, id string, mutate func(*Task) error) (Task, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	if t.State.IsTerminal() {
		return Task{}, fmt.Errorf("task %s is %s: %w", id, t.State, ErrTerminal)
	}
	if err := mutate(&t); err != nil {
		return Task{}, err
	}
	if err := m.store.Save(ctx, t); err != nil {
		return Task{}, fmt.Errorf("save task %s: %w", id, err)
	}
	return t, nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

func (m *Manager) claim(id string) bool {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	if _, ok := m.claimed[id]; ok {
		return false
	}
	m.claimed[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	delete(m.claimed, id)
}

func (m *Manager) timeoutDetail() string {
	return fmt.Sprintf("task exceeded timeout of %s", m.cfg.Timeout)
}
