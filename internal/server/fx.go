// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/api"
	"github.com/JakeFAU/jobsearch-crawler/internal/artifact"
	"github.com/JakeFAU/jobsearch-crawler/internal/config"
	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/jobsearch-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/jobsearch-crawler/internal/metrics"
	"github.com/JakeFAU/jobsearch-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/jobsearch-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jobsearch-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/jobsearch-crawler/internal/queue/memory"
	"github.com/JakeFAU/jobsearch-crawler/internal/schedule"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
	gcsstorage "github.com/JakeFAU/jobsearch-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/jobsearch-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/jobsearch-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/jobsearch-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/jobsearch-crawler/internal/storage/redis"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	manager   *task.Manager
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	scheduler *schedule.Scheduler

	memoryTasks  *memoryStorage.TaskStore
	memoryBlobs  *memoryStorage.BlobStore
	redisClient  *redis.Client
	storage      *storage.Client
	listings     *pgstore.ListingStore
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher

	cancel         context.CancelFunc
	dispatcherDone chan struct{}
}

// Build creates the application's dependencies. The caller owns logger.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("task_store", cfg.TaskStore.Backend),
		zap.String("storage", cfg.Storage.Backend),
	)

	store, err := app.setupTaskStore(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	opts, err := app.setupOptionalSinks(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Task.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, cfg.Task.Concurrency, logger.Named("dispatcher"))

	app.manager, err = task.NewManager(
		store,
		app.dispatch,
		NewCrawler(cfg, logger),
		artifact.NewWriter(blobs, cfg.Storage.Prefix),
		task.Config{
			Timeout:   cfg.Task.Timeout,
			Retention: cfg.Task.Retention,
			Topic:     cfg.PubSub.TopicName,
			Instance:  cfg.Task.InstanceID,
		},
		logger.Named("tasks"),
		opts...,
	)
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("task manager init failed: %w", err)
	}

	if err := app.setupScheduler(); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.apiServer = api.NewServer(app.manager, cfg, logger)
	return app, nil
}

// NewCrawler builds the crawl executor used by both the service and the CLI.
func NewCrawler(cfg config.Config, logger *zap.Logger) *crawler.Executor {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.HTTPTimeout(),
	}, nil)
	initial, maxDelay := cfg.Backoff()
	opts := []crawler.Option{
		crawler.WithParallelism(cfg.Crawler.Parallelism),
		crawler.WithRetryPolicy(crawler.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries+1, initial, maxDelay)),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, crawler.WithLimiter(ratelimit.New(ratelimit.Config{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		})))
		logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}
	return crawler.NewExecutor(search.NewGenerator(cfg.Search.BaseURL), fetcher, logger.Named("crawler"), opts...)
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Manager exposes the task manager.
func (a *App) Manager() *task.Manager {
	return a.manager
}

// Start fails tasks left over from a previous process and launches the
// dispatcher, sweeper and preset scheduler in the background.
func (a *App) Start(ctx context.Context) error {
	n, err := a.manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		a.logger.Warn("failed tasks interrupted by restart", zap.Int("count", n))
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.dispatcherDone = make(chan struct{})
	go func() {
		defer close(a.dispatcherDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Task.Concurrency))
		a.dispatch.Run(runCtx)
	}()
	if a.memoryTasks != nil && a.cfg.Task.SweepInterval > 0 {
		go a.memoryTasks.RunSweeper(runCtx, a.cfg.Task.SweepInterval)
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops background work, waits for queued tasks to be failed and
// releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.dispatcherDone:
		case <-ctx.Done():
			a.logger.Warn("dispatcher did not drain before shutdown deadline")
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.listings != nil {
		a.listings.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) setupTaskStore(ctx context.Context) (task.Store, error) {
	if a.cfg.TaskStore.Backend == "redis" {
		a.logger.Info("using redis task store")
		client, err := redisstore.Connect(ctx, a.cfg.TaskStore.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis task store init failed: %w", err)
		}
		a.redisClient = client
		store, err := redisstore.NewTaskStore(client, redisstore.Config{KeyPrefix: a.cfg.TaskStore.KeyPrefix})
		if err != nil {
			return nil, fmt.Errorf("redis task store init failed: %w", err)
		}
		return store, nil
	}
	a.logger.Info("using in-memory task store")
	a.memoryTasks = memoryStorage.NewTaskStore(memoryStorage.WithEvictHook(a.evictArtifact))
	return a.memoryTasks, nil
}

// evictArtifact drops the in-memory artifact of a swept task. Durable
// backends keep artifacts past task retention.
func (a *App) evictArtifact(t task.Task) {
	if a.memoryBlobs == nil || t.Result == nil || t.Result.ArtifactPath == "" {
		return
	}
	if err := a.memoryBlobs.Delete(context.Background(), t.Result.ArtifactPath); err != nil {
		a.logger.Warn("artifact eviction failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (a *App) setupStorage(ctx context.Context) (artifact.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		a.memoryBlobs = memoryStorage.NewBlobStore()
		return a.memoryBlobs, nil
	}
}

func (a *App) setupOptionalSinks(ctx context.Context) ([]task.Option, error) {
	var opts []task.Option
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, listing archive disabled")
	} else {
		listings, err := pgstore.NewListingStore(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			Table:    a.cfg.Database.Table,
			MaxConns: a.cfg.Database.MaxConns,
			MinConns: a.cfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("listing store init failed: %w", err)
		}
		a.listings = listings
		if err := listings.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("listing schema init failed: %w", err)
		}
		a.logger.Info("listing archive initialized", zap.String("table", a.cfg.Database.Table))
		opts = append(opts, task.WithArchive(listings))
	}

	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return append(opts, task.WithPublisher(memorypublisher.New(
			memorypublisher.WithLogger(a.logger.Named("notifications")),
		))), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher, err = gcppublisher.New(client, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return append(opts, task.WithPublisher(a.publisher)), nil
}

func (a *App) setupScheduler() error {
	var presets []schedule.Preset
	for _, name := range a.cfg.PresetNames() {
		p := a.cfg.Presets[name]
		if p.Schedule == "" {
			continue
		}
		spec, err := a.cfg.Preset(name)
		if err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
		presets = append(presets, schedule.Preset{Name: name, Spec: spec, Schedule: p.Schedule})
	}
	if len(presets) == 0 {
		return nil
	}
	s, err := schedule.New(a.manager, a.logger.Named("schedule"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	for _, p := range presets {
		if err := s.Add(p); err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}
	a.scheduler = s
	return nil
}
