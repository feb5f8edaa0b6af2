package crawler

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

// ErrMisconfigured is wrapped by fetchers that cannot operate at all.
var ErrMisconfigured = errors.New("fetcher misconfigured")

// StatusError reports a non-success HTTP status from the upstream.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// FetchError is a page whose fetch failed after all attempts.
type FetchError struct {
	Request  search.FetchRequest
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q page %d (attempts=%d): %v", e.Request.Keyword, e.Request.Page, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a page whose body could not be decoded.
type ParseError struct {
	Request search.FetchRequest
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q page %d: %v", e.Request.Keyword, e.Request.Page, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FatalCrawlError aborts the crawl as a whole.
type FatalCrawlError struct {
	Reason   string
	Failures []PageFailure
	Err      error
}

func (e *FatalCrawlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crawl failed: %s: %v", e.Reason, e.Err)
	}
	return "crawl failed: " + e.Reason
}

func (e *FatalCrawlError) Unwrap() error { return e.Err }
