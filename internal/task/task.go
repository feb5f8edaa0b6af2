// Package task owns the lifecycle of asynchronous crawl tasks: submission,
// execution under a timeout, result capture and retention.
package task

import (
	"time"

	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

// State enumerates task lifecycle states.
type State string

const (
	// StatePending marks a task that is accepted but not yet started.
	StatePending State = "pending"
	// StateRunning marks a task whose crawl is in progress.
	StateRunning State = "running"
	// StateCompleted marks a task that produced a result.
	StateCompleted State = "completed"
	// StateFailed marks a task that ended with an error.
	StateFailed State = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	// KindTimeout means the task exceeded its execution timeout.
	KindTimeout ErrorKind = "timeout"
	// KindCrawl means the crawl itself failed fatally.
	KindCrawl ErrorKind = "crawl"
	// KindInternal covers scheduling, persistence, panics and shutdowns.
	KindInternal ErrorKind = "internal"
)

// ResultSummary is attached to completed tasks.
type ResultSummary struct {
	RecordCount    int                   `json:"recordCount"`
	ArtifactURI    string                `json:"artifactUri"`
	ArtifactPath   string                `json:"artifactPath"`
	Checksum       string                `json:"checksum"`
	PagesTotal     int                   `json:"pagesTotal"`
	PagesSucceeded int                   `json:"pagesSucceeded"`
	PageFailures   []crawler.PageFailure `json:"pageFailures,omitempty"`
	Specification  search.Specification  `json:"specification"`
}

// Task is one unit of asynchronous crawl work.
type Task struct {
	ID            string
	State         State
	Specification search.Specification
	SubmittedAt   time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	Result        *ResultSummary
	ErrorDetail   string
	ErrorKind     ErrorKind
	Progress      crawler.Progress
	ExpiresAt     time.Time
	// Owner is the instance that accepted the task.
	Owner string
}

// Clone returns a deep copy so callers never share state with a store.
func (t Task) Clone() Task {
	out := t
	out.Specification = t.Specification.Clone()
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.FailedAt = cloneTime(t.FailedAt)
	if t.Result != nil {
		res := *t.Result
		res.PageFailures = append([]crawler.PageFailure(nil), t.Result.PageFailures...)
		res.Specification = t.Result.Specification.Clone()
		out.Result = &res
	}
	return out
}

// LastActivity is the timestamp used to order task listings.
func (t Task) LastActivity() time.Time {
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return t.SubmittedAt
}

// Stats counts tasks per state.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Notification is published when a task reaches a terminal state.
type Notification struct {
	TaskID      string    `json:"taskId"`
	Status      State     `json:"status"`
	RecordCount int       `json:"recordCount,omitempty"`
	ArtifactURI string    `json:"artifactUri,omitempty"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
