package crawler

import (
	"net/http"
	"time"

	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
)

// FetchResponse is the raw outcome of one page fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// FailureKind classifies a page failure.
type FailureKind string

// Page failure kinds.
const (
	FailureFetch FailureKind = "fetch"
	FailureParse FailureKind = "parse"
)

// PageFailure records one page that produced no records because of an error.
type PageFailure struct {
	Keyword string      `json:"keyword"`
	Page    int         `json:"page"`
	URL     string      `json:"url"`
	Kind    FailureKind `json:"kind"`
	Cause   string      `json:"cause"`
}

// Progress is a running tally of a crawl.
type Progress struct {
	PagesTotal  int `json:"pagesTotal"`
	PagesDone   int `json:"pagesDone"`
	PagesFailed int `json:"pagesFailed"`
	Records     int `json:"records"`
}

// Result is the accumulated output of a crawl, records in request order.
type Result struct {
	Records        []listing.Record
	Failures       []PageFailure
	PagesTotal     int
	PagesSucceeded int
}
