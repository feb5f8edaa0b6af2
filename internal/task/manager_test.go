package task_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/artifact"
	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
	pubmemory "github.com/JakeFAU/jobsearch-crawler/internal/publisher/memory"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
	"github.com/JakeFAU/jobsearch-crawler/internal/storage/memory"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

type crawlFunc func(ctx context.Context, spec search.Specification, onProgress crawler.ProgressFunc) (crawler.Result, error)

func (f crawlFunc) Execute(
	ctx context.Context,
	spec search.Specification,
	onProgress crawler.ProgressFunc,
) (crawler.Result, error) {
	return f(ctx, spec, onProgress)
}

// goScheduler runs each execution on its own goroutine.
type goScheduler struct {
	ctx context.Context
	err error
}

func (s *goScheduler) Schedule(_ context.Context, exec task.Execution) error {
	if s.err != nil {
		return s.err
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go exec.Run(ctx)
	return nil
}

// heldScheduler keeps executions for the test to run by hand.
type heldScheduler struct {
	mu    sync.Mutex
	execs []task.Execution
}

func (s *heldScheduler) Schedule(_ context.Context, exec task.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, exec)
	return nil
}

func (s *heldScheduler) take(t *testing.T) task.Execution {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.execs)
	exec := s.execs[0]
	s.execs = s.execs[1:]
	return exec
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeArchive struct {
	mu      sync.Mutex
	err     error
	archive map[string]int
}

func (a *fakeArchive) Archive(_ context.Context, taskID string, records []listing.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.archive == nil {
		a.archive = map[string]int{}
	}
	a.archive[taskID] = len(records)
	return nil
}

type harness struct {
	manager   *task.Manager
	store     *memory.TaskStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
}

func newHarness(t *testing.T, sched task.Scheduler, c task.Crawler, cfg task.Config, opts ...task.Option) harness {
	t.Helper()
	store := memory.NewTaskStore()
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	if cfg.Topic == "" {
		cfg.Topic = "task-events"
	}
	opts = append([]task.Option{task.WithPublisher(pub)}, opts...)
	m, err := task.NewManager(store, sched, c, artifact.NewWriter(blobs, "exports"), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return harness{manager: m, store: store, blobs: blobs, publisher: pub}
}

func spec(t *testing.T, keywords ...string) search.Specification {
	t.Helper()
	s, err := search.New(keywords, 2, nil, search.RemoteNone)
	require.NoError(t, err)
	return s
}

func records(keyword string, n int) []listing.Record {
	out := make([]listing.Record, 0, n)
	for i := range n {
		out = append(out, listing.Record{SearchKeyword: keyword, Title: fmt.Sprintf("job-%d", i), CompanyName: "Co"})
	}
	return out
}

func waitForState(t *testing.T, m *task.Manager, id string, want task.State) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		snap, err := m.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		got = snap
		return snap.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestSubmitCompletesWithResult(t *testing.T) {
	t.Parallel()

	c := crawlFunc(func(_ context.Context, s search.Specification, onProgress crawler.ProgressFunc) (crawler.Result, error) {
		onProgress(crawler.Progress{PagesTotal: 4, PagesDone: 1, Records: 3})
		return crawler.Result{Records: records(s.Keywords[0], 3), PagesTotal: 4, PagesSucceeded: 4}, nil
	})
	archive := &fakeArchive{}
	h := newHarness(t, &goScheduler{}, c, task.Config{}, task.WithArchive(archive))
	ctx := context.Background()

	id, err := h.manager.Submit(ctx, spec(t, "RPA", "AI"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	done := waitForState(t, h.manager, id, task.StateCompleted)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	require.Nil(t, done.FailedAt)
	require.Empty(t, done.ErrorDetail)
	require.Equal(t, crawler.Progress{PagesTotal: 4, PagesDone: 4, Records: 3}, done.Progress)
	require.Equal(t, done.CompletedAt.Add(task.DefaultRetention), done.ExpiresAt)

	res, err := h.manager.GetResult(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, res.RecordCount)
	require.Equal(t, "exports/"+id+"/jobs_"+id+".csv", res.ArtifactPath)
	require.Equal(t, []string{"RPA", "AI"}, res.Specification.Keywords)
	require.Len(t, res.Checksum, 64)

	rc, err := h.manager.OpenArtifact(ctx, id)
	require.NoError(t, err)
	decoded, err := listing.ReadCSV(rc, 0)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, records("RPA", 3), decoded)

	require.Equal(t, map[string]int{id: 3}, archive.archive)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "task-events", msgs[0].Topic)
	n, ok := msgs[0].Payload.(task.Notification)
	require.True(t, ok)
	require.Equal(t, task.StateCompleted, n.Status)
	require.Equal(t, 3, n.RecordCount)
}

func TestSubmitRejectsInvalidSpecification(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &goScheduler{}, crawlFunc(nil), task.Config{})
	_, err := h.manager.Submit(context.Background(), search.Specification{PagesPerKeyword: 0})
	var verr *search.ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Problems)

	tasks, err := h.manager.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestPartialPageFailuresStillComplete(t *testing.T) {
	t.Parallel()

	failure := crawler.PageFailure{Keyword: "RPA", Page: 2, Kind: crawler.FailureFetch, Cause: "unexpected status 503"}
	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		return crawler.Result{
			Records:        records("RPA", 2),
			Failures:       []crawler.PageFailure{failure},
			PagesTotal:     2,
			PagesSucceeded: 1,
		}, nil
	})
	h := newHarness(t, &goScheduler{}, c, task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	done := waitForState(t, h.manager, id, task.StateCompleted)
	require.Equal(t, 2, done.Result.RecordCount)
	require.Equal(t, []crawler.PageFailure{failure}, done.Result.PageFailures)
	require.Equal(t, 1, done.Progress.PagesFailed)
}

func TestFatalCrawlFailsTask(t *testing.T) {
	t.Parallel()

	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		return crawler.Result{}, &crawler.FatalCrawlError{Reason: "no records and 2 of 2 pages failed"}
	})
	h := newHarness(t, &goScheduler{}, c, task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	failed := waitForState(t, h.manager, id, task.StateFailed)
	require.Equal(t, task.KindCrawl, failed.ErrorKind)
	require.Contains(t, failed.ErrorDetail, "no records")
	require.NotNil(t, failed.FailedAt)
	require.Nil(t, failed.CompletedAt)
	require.Nil(t, failed.Result)

	_, err = h.manager.GetResult(context.Background(), id)
	require.ErrorIs(t, err, task.ErrNotCompleted)
}

func TestMisconfiguredCrawlIsInternal(t *testing.T) {
	t.Parallel()

	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		return crawler.Result{}, &crawler.FatalCrawlError{Reason: "fetcher cannot run", Err: crawler.ErrMisconfigured}
	})
	h := newHarness(t, &goScheduler{}, c, task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	require.Equal(t, task.KindInternal, waitForState(t, h.manager, id, task.StateFailed).ErrorKind)
}

func TestTimeoutFailsTaskAndDropsLateResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	returned := make(chan struct{})
	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		defer close(returned)
		<-release
		return crawler.Result{Records: records("RPA", 1), PagesTotal: 1, PagesSucceeded: 1}, nil
	})
	h := newHarness(t, &goScheduler{}, c, task.Config{Timeout: 40 * time.Millisecond})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	failed := waitForState(t, h.manager, id, task.StateFailed)
	require.Equal(t, task.KindTimeout, failed.ErrorKind)
	require.Equal(t, "task exceeded timeout of 40ms", failed.ErrorDetail)

	close(release)
	<-returned
	require.Never(t, func() bool {
		snap, err := h.manager.GetStatus(context.Background(), id)
		return err != nil || snap.State != task.StateFailed
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.Len(t, h.publisher.Messages(), 1)
}

func TestPanicFailsTask(t *testing.T) {
	t.Parallel()

	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		panic("nil map")
	})
	h := newHarness(t, &goScheduler{}, c, task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	failed := waitForState(t, h.manager, id, task.StateFailed)
	require.Equal(t, task.KindInternal, failed.ErrorKind)
	require.Contains(t, failed.ErrorDetail, "task panicked: nil map")
}

func TestArchiveFailureFailsTask(t *testing.T) {
	t.Parallel()

	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		return crawler.Result{Records: records("RPA", 1), PagesTotal: 1, PagesSucceeded: 1}, nil
	})
	h := newHarness(t, &goScheduler{}, c, task.Config{}, task.WithArchive(&fakeArchive{err: errors.New("db down")}))

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	failed := waitForState(t, h.manager, id, task.StateFailed)
	require.Equal(t, task.KindInternal, failed.ErrorKind)
	require.Contains(t, failed.ErrorDetail, "archive listings: db down")
}

func TestScheduleFailureLeavesNoPendingTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &goScheduler{err: errors.New("queue full")}, crawlFunc(nil), task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.ErrorContains(t, err, "queue full")
	require.NotEmpty(t, id)

	snap, err := h.manager.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, snap.State)
	require.Equal(t, task.KindInternal, snap.ErrorKind)
}

func TestShutdownBeforeStartFailsTask(t *testing.T) {
	t.Parallel()

	sched := &heldScheduler{}
	h := newHarness(t, sched, crawlFunc(nil), task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sched.take(t).Run(ctx)

	snap, err := h.manager.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, snap.State)
	require.Equal(t, task.KindInternal, snap.ErrorKind)
	require.Contains(t, snap.ErrorDetail, "shut down")
}

func TestShutdownWhileRunningFailsTask(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	c := crawlFunc(func(ctx context.Context, _ search.Specification, _ crawler.ProgressFunc) (crawler.Result, error) {
		close(started)
		<-ctx.Done()
		return crawler.Result{}, fmt.Errorf("crawl interrupted: %w", ctx.Err())
	})
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, &goScheduler{ctx: ctx}, c, task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	<-started
	cancel()

	failed := waitForState(t, h.manager, id, task.StateFailed)
	require.Equal(t, task.KindInternal, failed.ErrorKind)
	require.Equal(t, "service shut down while task running", failed.ErrorDetail)
}

func TestExecutionRunsOnce(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return crawler.Result{Records: records("RPA", 1), PagesTotal: 1, PagesSucceeded: 1}, nil
	})
	sched := &heldScheduler{}
	h := newHarness(t, sched, c, task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	exec := sched.take(t)
	exec.Run(context.Background())
	exec.Run(context.Background())

	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()
	snap, err := h.manager.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, snap.State)
}

func TestStatusQueriesAreReadOnly(t *testing.T) {
	t.Parallel()

	sched := &heldScheduler{}
	h := newHarness(t, sched, crawlFunc(nil), task.Config{})
	ctx := context.Background()

	id, err := h.manager.Submit(ctx, spec(t, "RPA"))
	require.NoError(t, err)
	first, err := h.manager.GetStatus(ctx, id)
	require.NoError(t, err)
	second, err := h.manager.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, task.StatePending, first.State)

	first.Specification.Keywords[0] = "mutated"
	third, err := h.manager.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "RPA", third.Specification.Keywords[0])

	_, err = h.manager.GetResult(ctx, id)
	require.ErrorIs(t, err, task.ErrNotCompleted)
	_, err = h.manager.OpenArtifact(ctx, id)
	require.ErrorIs(t, err, task.ErrNotCompleted)

	_, err = h.manager.GetStatus(ctx, "unknown")
	require.ErrorIs(t, err, task.ErrNotFound)
	_, err = h.manager.GetResult(ctx, "unknown")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestOpenArtifactMissing(t *testing.T) {
	t.Parallel()

	c := crawlFunc(func(context.Context, search.Specification, crawler.ProgressFunc) (crawler.Result, error) {
		return crawler.Result{PagesTotal: 1, PagesSucceeded: 1}, nil
	})
	h := newHarness(t, &goScheduler{}, c, task.Config{})

	id, err := h.manager.Submit(context.Background(), spec(t, "RPA"))
	require.NoError(t, err)
	done := waitForState(t, h.manager, id, task.StateCompleted)
	require.NoError(t, h.blobs.Delete(context.Background(), done.Result.ArtifactPath))

	_, err = h.manager.OpenArtifact(context.Background(), id)
	require.ErrorIs(t, err, task.ErrArtifactMissing)
}

func TestListAndStats(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	c := crawlFunc(func(_ context.Context, s search.Specification, _ crawler.ProgressFunc) (crawler.Result, error) {
		if s.Keywords[0] == "slow" {
			<-gate
		}
		if s.Keywords[0] == "bad" {
			return crawler.Result{}, &crawler.FatalCrawlError{Reason: "nope"}
		}
		return crawler.Result{Records: records("x", 1), PagesTotal: 1, PagesSucceeded: 1}, nil
	})
	sched := &heldScheduler{}
	h := newHarness(t, sched, c, task.Config{}, task.WithClock(&steppingClock{now: time.Now().UTC()}))
	ctx := context.Background()

	okID, err := h.manager.Submit(ctx, spec(t, "ok"))
	require.NoError(t, err)
	badID, err := h.manager.Submit(ctx, spec(t, "bad"))
	require.NoError(t, err)
	slowID, err := h.manager.Submit(ctx, spec(t, "slow"))
	require.NoError(t, err)
	pendingID, err := h.manager.Submit(ctx, spec(t, "later"))
	require.NoError(t, err)

	sched.take(t).Run(ctx)
	sched.take(t).Run(ctx)
	go sched.take(t).Run(ctx)
	waitForState(t, h.manager, slowID, task.StateRunning)

	stats, err := h.manager.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, task.Stats{Pending: 1, Running: 1, Completed: 1, Failed: 1, Total: 4}, stats)

	tasks, err := h.manager.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(tasks))
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	// Started tasks sort by start time; the pending one by submission.
	require.Equal(t, []string{slowID, badID, okID, pendingID}, ids)

	close(gate)
	waitForState(t, h.manager, slowID, task.StateCompleted)
}

func TestRecoverFailsInterruptedTasks(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, tk := range []task.Task{
		{ID: "pending", State: task.StatePending, SubmittedAt: now, ExpiresAt: now.Add(time.Hour), Owner: "replica-a"},
		{ID: "running", State: task.StateRunning, SubmittedAt: now, StartedAt: &now, ExpiresAt: now.Add(time.Hour), Owner: "replica-a"},
		{ID: "done", State: task.StateCompleted, SubmittedAt: now, CompletedAt: &now, ExpiresAt: now.Add(time.Hour), Owner: "replica-a"},
		{ID: "elsewhere", State: task.StateRunning, SubmittedAt: now, StartedAt: &now, ExpiresAt: now.Add(time.Hour), Owner: "replica-b"},
	} {
		require.NoError(t, store.Create(ctx, tk))
	}
	m, err := task.NewManager(store, &heldScheduler{}, crawlFunc(nil), artifact.NewWriter(memory.NewBlobStore(), ""),
		task.Config{Instance: "replica-a"}, zap.NewNop())
	require.NoError(t, err)

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, id := range []string{"pending", "running"} {
		snap, err := m.GetStatus(ctx, id)
		require.NoError(t, err)
		require.Equal(t, task.StateFailed, snap.State)
		require.Equal(t, "interrupted by service restart", snap.ErrorDetail)
	}
	done, err := m.GetStatus(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, done.State)
	elsewhere, err := m.GetStatus(ctx, "elsewhere")
	require.NoError(t, err)
	require.Equal(t, task.StateRunning, elsewhere.State)
	require.NoError(t, m.Ping(ctx))

	id, err := m.Submit(ctx, spec(t, "RPA"))
	require.NoError(t, err)
	submitted, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "replica-a", submitted.Owner)
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := task.NewManager(nil, nil, nil, nil, task.Config{}, nil)
	require.Error(t, err)
}
