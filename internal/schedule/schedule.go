// Package schedule submits configured crawl presets on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

// Submitter accepts a crawl for asynchronous execution.
type Submitter interface {
	Submit(ctx context.Context, spec search.Specification) (string, error)
}

// Preset is a named crawl with a standard five-field cron expression.
type Preset struct {
	Name     string
	Spec     search.Specification
	Schedule string
}

// Scheduler wraps robfig/cron and submits presets when their schedule fires.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an idle Scheduler.
func New(submitter Submitter, logger *zap.Logger) (*Scheduler, error) {
	if submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(),
		submitter: submitter,
		logger:    logger,
		entries:   make(map[string]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Add registers a preset. Presets with an empty schedule are ignored.
func (s *Scheduler) Add(p Preset) error {
	if p.Schedule == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[p.Name]; dup {
		return fmt.Errorf("preset %s already scheduled", p.Name)
	}
	id, err := s.cron.AddFunc(p.Schedule, func() { s.fire(p) })
	if err != nil {
		return fmt.Errorf("schedule preset %s: %w", p.Name, err)
	}
	s.entries[p.Name] = id
	s.logger.Info("preset scheduled", zap.String("preset", p.Name), zap.String("schedule", p.Schedule))
	return nil
}

// Len reports how many presets are scheduled.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for running submissions to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(p Preset) {
	id, err := s.submitter.Submit(s.ctx, p.Spec.Clone())
	if err != nil {
		s.logger.Error("scheduled submit failed", zap.String("preset", p.Name), zap.Error(err))
		return
	}
	s.logger.Info("scheduled crawl submitted", zap.String("preset", p.Name), zap.String("task_id", id))
}
