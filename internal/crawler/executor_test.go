package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]fakeReply
	calls     map[string]int
}

type fakeReply struct {
	status int
	body   string
	err    error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string][]fakeReply{}, calls: map[string]int{}}
}

func (f *fakeFetcher) on(url string, replies ...fakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = replies
}

func (f *fakeFetcher) Fetch(_ context.Context, req search.FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[req.URL]
	f.calls[req.URL] = n + 1
	replies, ok := f.responses[req.URL]
	if !ok {
		return FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(`{"data":{"list":[]}}`)}, nil
	}
	if n >= len(replies) {
		n = len(replies) - 1
	}
	r := replies[n]
	if r.err != nil {
		return FetchResponse{}, r.err
	}
	return FetchResponse{URL: req.URL, StatusCode: r.status, Body: []byte(r.body)}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type instantRetry struct{ max int }

func (p instantRetry) ShouldRetry(err error, attempt int) bool { return err != nil && attempt < p.max }
func (instantRetry) Backoff(int) time.Duration { return 0 }

const testEndpoint = "https://jobs.example.test/list"

func pageURL(keyword string, page int) string {
	return fmt.Sprintf("%s?page=%d&keyword=%s", testEndpoint, page, keyword)
}

func listingsBody(titles ...string) string {
	body := `{"data":{"list":[`
	for i, title := range titles {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"jobName":%q,"custName":"Co","link":{"job":"//www.104.com.tw/job/%d"}}`, title, i)
	}
	return body + `]}}`
}

func mustSpec(t *testing.T, keywords []string, pages int) search.Specification {
	t.Helper()
	spec, err := search.New(keywords, pages, nil, search.RemoteNone)
	require.NoError(t, err)
	return spec
}

func newTestExecutor(f Fetcher, opts ...Option) *Executor {
	return NewExecutor(search.NewGenerator(testEndpoint), f, zap.NewNop(), opts...)
}

func titles(res Result) []string {
	out := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, r.SearchKeyword+":"+r.Title)
	}
	return out
}

func TestExecuteAccumulatesRecordsInRequestOrder(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.on(pageURL("RPA", 1), fakeReply{status: 200, body: listingsBody("r1a", "r1b", "")})
	f.on(pageURL("RPA", 2), fakeReply{status: 200, body: listingsBody("r2a", "r2b", "")})
	f.on(pageURL("AI", 1), fakeReply{status: 200, body: listingsBody("a1a", "a1b", "")})
	f.on(pageURL("AI", 2), fakeReply{status: 200, body: listingsBody("a2a", "a2b", "")})

	res, err := newTestExecutor(f).Execute(context.Background(), mustSpec(t, []string{"RPA", "AI"}, 2), nil)
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Equal(t, 4, res.PagesTotal)
	require.Equal(t, 4, res.PagesSucceeded)
	// The third listing on each page still has a company and link, so it is kept.
	require.Len(t, res.Records, 12)
	require.Equal(t, "RPA:r1a", titles(res)[0])
	require.Equal(t, "AI:a2b", titles(res)[10])
}

func TestExecuteSkipsUnidentifiableListings(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.on(pageURL("RPA", 1), fakeReply{status: 200, body: `{"data":{"list":[{"jobName":"keep"},{"salaryLow":10},{}]}}`})

	res, err := newTestExecutor(f).Execute(context.Background(), mustSpec(t, []string{"RPA"}, 1), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"RPA:keep"}, titles(res))
}

func TestExecuteIsolatesPageFailures(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.on(pageURL("RPA", 1), fakeReply{status: 200, body: listingsBody("ok")})
	f.on(pageURL("RPA", 2), fakeReply{err: errors.New("connection reset")})
	f.on(pageURL("RPA", 3), fakeReply{status: 200, body: `<html>blocked</html>`})

	res, err := newTestExecutor(f).Execute(context.Background(), mustSpec(t, []string{"RPA"}, 3), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"RPA:ok"}, titles(res))
	require.Len(t, res.Failures, 2)
	require.Equal(t, FailureFetch, res.Failures[0].Kind)
	require.Equal(t, 2, res.Failures[0].Page)
	require.Contains(t, res.Failures[0].Cause, "connection reset")
	require.Equal(t, FailureParse, res.Failures[1].Kind)
	require.Equal(t, 3, res.Failures[1].Page)
	require.Equal(t, 1, res.PagesSucceeded)
}

func TestExecuteFailsWhenNothingSucceeded(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.on(pageURL("RPA", 1), fakeReply{status: http.StatusForbidden})
	f.on(pageURL("RPA", 2), fakeReply{err: errors.New("dial tcp: refused")})

	res, err := newTestExecutor(f).Execute(context.Background(), mustSpec(t, []string{"RPA"}, 2), nil)
	var fatal *FatalCrawlError
	require.ErrorAs(t, err, &fatal)
	require.Len(t, fatal.Failures, 2)
	require.Empty(t, res.Records)
	require.Contains(t, fatal.Failures[0].Cause, "unexpected status 403")
}

func TestExecuteEmptyPagesAreNotFatal(t *testing.T) {
	t.Parallel()

	res, err := newTestExecutor(newFakeFetcher()).Execute(context.Background(), mustSpec(t, []string{"RPA"}, 3), nil)
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.Empty(t, res.Failures)
	require.Equal(t, 3, res.PagesSucceeded)
}

func TestExecuteMisconfiguredFetcherIsFatal(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.on(pageURL("RPA", 1), fakeReply{err: fmt.Errorf("%w: bad transport", ErrMisconfigured)})

	_, err := newTestExecutor(f, WithRetryPolicy(instantRetry{max: 5})).
		Execute(context.Background(), mustSpec(t, []string{"RPA"}, 2), nil)
	var fatal *FatalCrawlError
	require.ErrorAs(t, err, &fatal)
	require.ErrorIs(t, err, ErrMisconfigured)
	require.Equal(t, 1, f.callCount(pageURL("RPA", 1)))

	_, err = NewExecutor(nil, nil, nil).Execute(context.Background(), mustSpec(t, []string{"RPA"}, 1), nil)
	require.ErrorIs(t, err, ErrMisconfigured)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.on(pageURL("RPA", 1),
		fakeReply{status: http.StatusServiceUnavailable},
		fakeReply{status: 200, body: listingsBody("after-retry")},
	)

	res, err := newTestExecutor(f, WithRetryPolicy(instantRetry{max: 3})).
		Execute(context.Background(), mustSpec(t, []string{"RPA"}, 1), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"RPA:after-retry"}, titles(res))
	require.Equal(t, 2, f.callCount(pageURL("RPA", 1)))
}

func TestExecuteParallelKeepsOrder(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	for page := 1; page <= 5; page++ {
		f.on(pageURL("RPA", page), fakeReply{status: 200, body: listingsBody(fmt.Sprintf("p%d", page))})
	}
	spec := mustSpec(t, []string{"RPA"}, 5)

	seq, err := newTestExecutor(f).Execute(context.Background(), spec, nil)
	require.NoError(t, err)
	par, err := newTestExecutor(f, WithParallelism(4)).Execute(context.Background(), spec, nil)
	require.NoError(t, err)
	require.Equal(t, seq.Records, par.Records)
	require.Equal(t, []string{"RPA:p1", "RPA:p2", "RPA:p3", "RPA:p4", "RPA:p5"}, titles(par))
}

func TestExecuteReportsProgress(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.on(pageURL("RPA", 1), fakeReply{status: 200, body: listingsBody("a", "b")})
	f.on(pageURL("RPA", 2), fakeReply{err: errors.New("boom")})

	var reports []Progress
	_, err := newTestExecutor(f).Execute(context.Background(), mustSpec(t, []string{"RPA"}, 2), func(p Progress) {
		reports = append(reports, p)
	})
	require.NoError(t, err)
	require.Equal(t, []Progress{
		{PagesTotal: 2, PagesDone: 1, Records: 2},
		{PagesTotal: 2, PagesDone: 2, PagesFailed: 1, Records: 2},
	}, reports)
}

func TestExecuteStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExecutor(newFakeFetcher()).Execute(ctx, mustSpec(t, []string{"RPA"}, 2), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 10*time.Millisecond, 40*time.Millisecond)
	require.True(t, p.ShouldRetry(&StatusError{StatusCode: http.StatusServiceUnavailable}, 1))
	require.True(t, p.ShouldRetry(&StatusError{StatusCode: http.StatusTooManyRequests}, 2))
	require.False(t, p.ShouldRetry(&StatusError{StatusCode: http.StatusNotFound}, 1))
	require.False(t, p.ShouldRetry(errors.New("x"), 3))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, p.ShouldRetry(ErrMisconfigured, 1))
	require.True(t, p.ShouldRetry(errors.New("connection reset"), 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}
