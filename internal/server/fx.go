// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/api"
	"github.com/JakeFAU/wiki-tree-crawler/internal/cache"
	"github.com/JakeFAU/wiki-tree-crawler/internal/clock/system"
	"github.com/JakeFAU/wiki-tree-crawler/internal/config"
	"github.com/JakeFAU/wiki-tree-crawler/internal/dispatcher"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu"
	"github.com/JakeFAU/wiki-tree-crawler/internal/hash/sha256"
	"github.com/JakeFAU/wiki-tree-crawler/internal/id/uuid"
	"github.com/JakeFAU/wiki-tree-crawler/internal/logging"
	"github.com/JakeFAU/wiki-tree-crawler/internal/metrics"
	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/wiki-tree-crawler/internal/progress/sinks"
	"github.com/JakeFAU/wiki-tree-crawler/internal/publisher"
	gcppublisher "github.com/JakeFAU/wiki-tree-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/wiki-tree-crawler/internal/queue/memory"
	"github.com/JakeFAU/wiki-tree-crawler/internal/ratelimit"
	"github.com/JakeFAU/wiki-tree-crawler/internal/service"
	blobstorage "github.com/JakeFAU/wiki-tree-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/wiki-tree-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/wiki-tree-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/wiki-tree-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/wiki-tree-crawler/internal/storage/postgres"
	"github.com/JakeFAU/wiki-tree-crawler/internal/store"
	"github.com/JakeFAU/wiki-tree-crawler/internal/telemetry"
	"github.com/JakeFAU/wiki-tree-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	service     *service.Service
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	queue       *queuememory.Queue
	pubsub      *gcppublisher.Publisher
	storage     *storage.Client
	crawlRepo   store.CrawlRepository
	pgStore     *pgstore.CrawlStore
	redis       *cache.Redis

	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		CacheBackend   string `json:"cache_backend"`
		Jobs           bool   `json:"jobs"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		CacheBackend:   cfg.Cache.Backend,
		Jobs:           cfg.Jobs.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Service returns the crawl service for in-process callers such as the CLI.
func (a *App) Service() *service.Service {
	return a.service
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if a.dispatch == nil {
			return
		}
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("background crawls still running at shutdown")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. Repeated calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			// Syncing a console logger fails with ENOTTY or EINVAL; nothing to do.
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the store sink, so it closes before the database.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(a.logger); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies")

	if a.cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, a.cfg.TracingConfig())
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	resultCache, err := a.setupCache(ctx)
	if err != nil {
		return err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	events, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}

	client, err := feishu.NewClient(a.cfg.FeishuClientConfig(), a.logger.Named("feishu"))
	if err != nil {
		return fmt.Errorf("feishu client init failed: %w", err)
	}
	clock := system.New()
	hasher := sha256.NewKeyed([]byte(a.cfg.Auth.CredentialKey))
	gates, err := ratelimit.NewRegistry(a.cfg.RateGateConfig(), clock, hasher, a.logger.Named("ratelimit"))
	if err != nil {
		return fmt.Errorf("rate gate init failed: %w", err)
	}
	gateCfg := a.cfg.RateGateConfig()
	a.logger.Info("rate gate configured",
		zap.Int("effective_max", gateCfg.EffectiveMax()),
		zap.Duration("window", gateCfg.Window),
		zap.Duration("min_spacing", gateCfg.MinSpacing()),
	)

	deps := service.Deps{
		Dial:      func(token string) service.Remote { return client.As(token) },
		Gates:     gates,
		Clock:     clock,
		IDs:       uuid.New(),
		Hasher:    hasher,
		Events:    events,
		Cache:     resultCache,
		Blobs:     blobs,
		Publisher: pub,
		Runs:      a.crawlRepo,
		Logger:    a.logger.Named("service"),
	}
	if a.cfg.Jobs.Enabled {
		a.queue = queuememory.NewQueue(a.cfg.Jobs.QueueDepth)
		deps.Jobs = a.queue
	}
	a.service, err = service.New(a.cfg.ServiceConfig(), deps)
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	if a.queue != nil {
		a.dispatch = a.setupDispatcher()
	}

	opts := api.Options{
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Logger:         a.logger.Named("api"),
	}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	if a.pgStore != nil {
		opts.Ready = a.pgStore.Ping
	}
	a.apiServer = api.NewServer(a.service, api.NewHistoryHandler(a.service, a.logger.Named("history")), opts)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (blobstorage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS storage backend")
		client, err := gcsstorage.NewClient(ctx, a.cfg.Storage.GCS.Bucket, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobStore, nil
	case config.StorageLocal:
		a.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	case config.StorageNone:
		a.logger.Info("snapshots disabled")
		return blobstorage.NoOpStore{}, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, keeping crawl history in memory")
		a.crawlRepo = memorystorage.NewCrawlStore()
		return nil
	}
	pg, err := pgstore.NewCrawlStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("crawl store init failed: %w", err)
	}
	a.pgStore = pg
	if a.cfg.DB.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("crawl store schema failed: %w", err)
		}
	}
	a.crawlRepo = pg
	a.logger.Info("crawl store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupCache(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheRedis:
		r, err := cache.DialRedis(ctx, a.cfg.RedisOptions())
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redis = r
		a.logger.Info("using redis result cache",
			zap.String("addr", a.cfg.Cache.Redis.Addr),
			zap.Duration("ttl", a.cfg.Cache.TTL),
		)
		return r, nil
	case config.CacheMemory:
		a.logger.Info("using in-memory result cache", zap.Duration("ttl", a.cfg.Cache.TTL))
		return cache.NewMemory(nil), nil
	default:
		a.logger.Info("result cache disabled")
		return cache.Nop{}, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, completion notifications disabled")
		return publisher.Noop{}, nil
	}
	client, err := gcppublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = gcppublisher.New(client, a.cfg.PubSub.Attributes)
	if err := a.pubsub.CheckTopic(ctx, a.cfg.PubSub.TopicName); err != nil {
		return nil, fmt.Errorf("pubsub topic check failed: %w", err)
	}
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsub, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.NopEmitter{}, nil
	}
	var sinkList []progress.Sink
	if a.crawlRepo != nil {
		sinkList = append(sinkList,
			progresssinks.NewStoreSink(a.crawlRepo, a.logger.Named("progress_store")))
		a.logger.Debug("Added progress store sink")
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList,
			progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("Added progress log sink")
	}
	if a.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		a.logger.Debug("Added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return progress.NopEmitter{}, nil
	}
	// Sinks outlive the request that emitted the event.
	hubCfg := a.cfg.HubConfig(context.WithoutCancel(ctx), a.logger.Named("progress_hub"))
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return a.progressHub, nil
}

func (a *App) setupDispatcher() *dispatcher.Dispatcher {
	workerCfg := worker.Config{JobTimeout: a.cfg.Jobs.Timeout}
	a.logger.Info("worker config",
		zap.Int("workers", a.cfg.Jobs.Workers),
		zap.Int("queue_depth", a.cfg.Jobs.QueueDepth),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
	)
	workers := make([]*worker.Worker, 0, a.cfg.Jobs.Workers)
	for i := 0; i < a.cfg.Jobs.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.service,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(workers)
}
