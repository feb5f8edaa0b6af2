package task

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

// Store persists tasks keyed by id. Implementations evict tasks after
// ExpiresAt and must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, t Task) error
	Save(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)
	Ping(ctx context.Context) error
}

// Execution is one scheduled run of a task.
type Execution struct {
	TaskID string
	Run    func(ctx context.Context)
}

// Scheduler runs executions asynchronously with bounded concurrency.
type Scheduler interface {
	Schedule(ctx context.Context, exec Execution) error
}

// Crawler executes a search specification.
type Crawler interface {
	Execute(ctx context.Context, spec search.Specification, onProgress crawler.ProgressFunc) (crawler.Result, error)
}

// Artifact references a persisted result set.
type Artifact struct {
	URI      string
	Path     string
	Checksum string
	Size     int64
}

// ArtifactWriter persists and reopens result sets.
type ArtifactWriter interface {
	Write(ctx context.Context, taskID string, records []listing.Record) (Artifact, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// ListingArchive stores the records of completed tasks.
type ListingArchive interface {
	Archive(ctx context.Context, taskID string, records []listing.Record) error
}

// Publisher emits terminal task notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock provides timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates task ids.
type IDGenerator interface {
	NewID() (string, error)
}
