package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
	"github.com/JakeFAU/jobsearch-crawler/internal/metrics"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

// Executor runs a Specification to completion.
type Executor struct {
	generator   *search.Generator
	fetcher     Fetcher
	limiter     Limiter
	retry       RetryPolicy
	parallelism int
	logger      *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLimiter throttles every fetch attempt through l.
func WithLimiter(l Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithRetryPolicy retries transient fetch failures according to p.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithParallelism fetches up to n pages at once.
func WithParallelism(n int) Option {
	return func(e *Executor) { e.parallelism = n }
}

// NewExecutor builds an Executor over the given generator and fetcher.
func NewExecutor(generator *search.Generator, fetcher Fetcher, logger *zap.Logger, opts ...Option) *Executor {
	if generator == nil {
		generator = search.NewGenerator("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		generator:   generator,
		fetcher:     fetcher,
		parallelism: 1,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.parallelism < 1 {
		e.parallelism = 1
	}
	return e
}

type pageOutcome struct {
	records []listing.Record
	failure *PageFailure
	fatal   error
}

// Execute fetches every generated page, isolating page failures. It returns
// a *FatalCrawlError when the fetcher is misconfigured or when no records
// were produced and at least one page failed.
func (e *Executor) Execute(ctx context.Context, spec search.Specification, onProgress ProgressFunc) (Result, error) {
	if e.fetcher == nil {
		return Result{}, &FatalCrawlError{Reason: "no fetcher configured", Err: ErrMisconfigured}
	}
	requests, err := e.generator.Generate(spec)
	if err != nil {
		return Result{}, fmt.Errorf("generate requests: %w", err)
	}

	outcomes := make([]pageOutcome, len(requests))
	tracker := &progressTracker{fn: onProgress, progress: Progress{PagesTotal: len(requests)}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, req := range requests {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := e.crawlPage(gctx, req)
			outcomes[i] = out
			if out.fatal != nil {
				return out.fatal
			}
			tracker.record(out)
			return nil
		})
	}
	waitErr := g.Wait()

	result := Result{PagesTotal: len(requests)}
	for _, out := range outcomes {
		switch {
		case out.failure != nil:
			result.Failures = append(result.Failures, *out.failure)
		case out.fatal == nil:
			result.Records = append(result.Records, out.records...)
			result.PagesSucceeded++
		}
	}

	if waitErr != nil {
		return result, &FatalCrawlError{Reason: "fetcher cannot run", Failures: result.Failures, Err: waitErr}
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("crawl interrupted: %w", err)
	}
	if len(result.Records) == 0 && len(result.Failures) > 0 {
		return result, &FatalCrawlError{
			Reason:   fmt.Sprintf("no records and %d of %d pages failed", len(result.Failures), len(requests)),
			Failures: result.Failures,
		}
	}
	return result, nil
}

func (e *Executor) crawlPage(ctx context.Context, req search.FetchRequest) pageOutcome {
	logger := e.logger.With(zap.String("keyword", req.Keyword), zap.Int("page", req.Page))

	resp, attempts, err := e.fetchWithRetry(ctx, req)
	if err != nil {
		if errors.Is(err, ErrMisconfigured) {
			return pageOutcome{fatal: err}
		}
		fetchErr := &FetchError{Request: req, Attempts: attempts, Err: err}
		metrics.ObservePage("fetch_error")
		logger.Warn("page fetch failed", zap.Int("attempts", attempts), zap.Error(err))
		return pageOutcome{failure: newFailure(req, FailureFetch, fetchErr)}
	}

	page, err := listing.DecodePage(resp.Body)
	if err != nil {
		parseErr := &ParseError{Request: req, Err: err}
		metrics.ObservePage("parse_error")
		logger.Warn("page parse failed", zap.Error(err))
		return pageOutcome{failure: newFailure(req, FailureParse, parseErr)}
	}

	for _, rejected := range page.Rejected {
		metrics.ObserveListing("rejected")
		logger.Debug("listing rejected", zap.Error(rejected))
	}
	records := make([]listing.Record, 0, len(page.Listings))
	for _, raw := range page.Listings {
		out := listing.Normalize(req.Keyword, raw)
		for _, issue := range out.Issues {
			metrics.ObserveFieldIssue(issue.Field)
			logger.Debug("malformed listing field", zap.String("field", issue.Field), zap.String("raw", issue.Raw))
		}
		if out.Skip {
			metrics.ObserveListing("skipped")
			continue
		}
		metrics.ObserveListing("normalized")
		records = append(records, out.Record)
	}
	metrics.ObservePage("ok")
	logger.Debug("page crawled", zap.Int("records", len(records)), zap.Duration("duration", resp.Duration))
	return pageOutcome{records: records}
}

func (e *Executor) fetchWithRetry(ctx context.Context, req search.FetchRequest) (FetchResponse, int, error) {
	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, req.URL); err != nil {
				return FetchResponse{}, attempt, err
			}
		}
		resp, err := e.fetcher.Fetch(ctx, req)
		if err == nil && resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			err = &StatusError{StatusCode: resp.StatusCode, URL: req.URL}
		}
		if err == nil {
			return resp, attempt, nil
		}
		if errors.Is(err, ErrMisconfigured) || e.retry == nil || !e.retry.ShouldRetry(err, attempt) {
			return FetchResponse{}, attempt, err
		}
		delay := e.retry.Backoff(attempt)
		e.logger.Debug("retrying page fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return FetchResponse{}, attempt, err
		}
	}
}

func newFailure(req search.FetchRequest, kind FailureKind, err error) *PageFailure {
	return &PageFailure{
		Keyword: req.Keyword,
		Page:    req.Page,
		URL:     req.URL,
		Kind:    kind,
		Cause:   err.Error(),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// progressTracker serializes progress callbacks across page goroutines.
type progressTracker struct {
	mu       sync.Mutex
	progress Progress
	fn       ProgressFunc
}

func (t *progressTracker) record(out pageOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.PagesDone++
	if out.failure != nil {
		t.progress.PagesFailed++
	}
	t.progress.Records += len(out.records)
	if t.fn != nil {
		t.fn(t.progress)
	}
}
