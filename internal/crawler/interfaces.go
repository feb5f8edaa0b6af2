package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

// Fetcher retrieves one search page.
type Fetcher interface {
	Fetch(ctx context.Context, request search.FetchRequest) (FetchResponse, error)
}

// Limiter throttles outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ProgressFunc receives cumulative progress after every page.
type ProgressFunc func(Progress)
