// Package server builds the sitewatch dependency graph and runs it.
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
	drivermongo "go.mongodb.org/mongo-driver/mongo"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/api"
	"github.com/JakeFAU/sitewatch/internal/batch"
	"github.com/JakeFAU/sitewatch/internal/browserpool"
	"github.com/JakeFAU/sitewatch/internal/cache"
	"github.com/JakeFAU/sitewatch/internal/clock/system"
	"github.com/JakeFAU/sitewatch/internal/config"
	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sitewatch/internal/fetcher/colly"
	"github.com/JakeFAU/sitewatch/internal/fetcher/headless"
	"github.com/JakeFAU/sitewatch/internal/frontier"
	"github.com/JakeFAU/sitewatch/internal/hash/sha256"
	"github.com/JakeFAU/sitewatch/internal/id/uuid"
	"github.com/JakeFAU/sitewatch/internal/logging"
	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/notify"
	"github.com/JakeFAU/sitewatch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/sitewatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/sitewatch/internal/retry"
	"github.com/JakeFAU/sitewatch/internal/storage"
	memorystore "github.com/JakeFAU/sitewatch/internal/storage/memory"
	mongostore "github.com/JakeFAU/sitewatch/internal/storage/mongo"
	pgstore "github.com/JakeFAU/sitewatch/internal/storage/postgres"
	"github.com/JakeFAU/sitewatch/internal/telemetry"
	"github.com/JakeFAU/sitewatch/internal/throughput"
	"github.com/JakeFAU/sitewatch/internal/worker"
)

const (
	serviceName      = "sitewatch"
	memoryAlertTopic = "sitewatch-alerts"
	shutdownTimeout  = 30 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	mongoClient  *drivermongo.Client
	writer       *batch.Writer
	frontier     *frontier.Frontier
	launcher     *headless.Launcher
	pool         *browserpool.Pool
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server
	blobClose    func() error
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	alertLog     *pgstore.AlertLog
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, blobClose: func() error { return nil }}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("building application",
		zap.String("site_id", cfg.Site.ID),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("port", cfg.Server.Port),
	)

	if a.tracer, err = telemetry.InitTracerProvider(ctx, serviceName, cfg.Site.ID); err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	policy := retryPolicy(cfg.Retry)
	clock := system.New()
	ids := uuid.New()

	store, err := a.setupState(ctx, policy)
	if err != nil {
		return nil, err
	}

	a.writer = batch.NewWriter(batch.Config{
		BufferSize: cfg.Batch.BufferSize,
		Tuner: batch.TunerConfig{
			MinSize:         cfg.Batch.MinSize,
			MaxSize:         cfg.Batch.MaxSize,
			InitialSize:     cfg.Batch.InitialSize,
			MinInterval:     millis(cfg.Batch.MinIntervalMs),
			MaxInterval:     millis(cfg.Batch.MaxIntervalMs),
			InitialInterval: millis(cfg.Batch.InitialIntervalMs),
		},
		Retry:  policy,
		Logger: logger.Named("batch"),
	}, store)

	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	records := cache.New[string, crawler.URLRecord]("url_records", cfg.Cache.Capacity, ttl)
	states := cache.New[string, crawler.SiteState]("site_state", 16, ttl)

	a.frontier, err = frontier.New(frontier.Config{
		SiteID:             cfg.Site.ID,
		SiteName:           cfg.Site.Name,
		TotalPagesEstimate: cfg.Site.TotalPagesEstimate,
		RecrawlAfter:       cfg.RecrawlAfter(),
		ExcludedPrefixes:   cfg.Site.ExcludedPrefixes,
		Location:           cfg.Location(),
		Clock:              clock,
		IDs:                ids,
		Logger:             logger,
	}, frontier.Deps{URLs: store, Sites: store, Writer: a.writer, Records: records, States: states})
	if err != nil {
		return nil, fmt.Errorf("frontier init failed: %w", err)
	}
	if err = a.seed(ctx); err != nil {
		return nil, err
	}

	blobs, closeBlobs, err := storage.Open(ctx, storage.Config{
		Backend:  cfg.Storage.Backend,
		Bucket:   cfg.Storage.GCSBucket,
		LocalDir: cfg.Storage.LocalDir,
		Retry:    policy,
	}, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("blob store init failed: %w", err)
	}
	a.blobClose = closeBlobs

	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}
	alertLog, err := a.setupAlertLog(ctx)
	if err != nil {
		return nil, err
	}

	a.launcher = headless.NewLauncher(headless.Config{
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
		Headless:          cfg.Browser.Headless,
		ExecPath:          cfg.Browser.ExecPath,
	})
	a.pool, err = browserpool.New(browserpool.Config{
		MinSessions:    cfg.Browser.MinSize,
		MaxSessions:    cfg.Browser.MaxSize,
		MaxAge:         time.Duration(cfg.Browser.MaxAgeMinutes) * time.Minute,
		MaxUses:        cfg.Browser.MaxUses,
		SweepInterval:  time.Duration(cfg.Browser.SweepSeconds) * time.Second,
		AcquireTimeout: time.Duration(cfg.Browser.AcquireTimeoutSeconds) * time.Second,
		Logger:         logger.Named("browserpool"),
	}, a.launcher.NewSession)
	if err != nil {
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}

	estimator := throughput.New(cfg.Site.ID, store, clock, logger.Named("throughput"))

	wk, err := worker.New(worker.Config{
		SiteID:           cfg.Site.ID,
		BlobPrefix:       cfg.Storage.Prefix,
		ExcludedPrefixes: cfg.Site.ExcludedPrefixes,
		MinContentBytes:  cfg.Crawler.MinContentBytes,
		PolitenessDelay:  config.Seconds(cfg.Crawler.PolitenessDelaySeconds),
	}, worker.Deps{
		Frontier: a.frontier,
		Limiter:  ratelimit.New(ratelimit.Config{MinDelay: domainDelay(cfg.Crawler.DomainDelaySeconds)}),
		Sessions: a.pool,
		Prober: collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   time.Duration(cfg.Crawler.ProbeTimeoutSeconds) * time.Second,
		}),
		Blobs:    blobs,
		Notifier: notifier,
		AlertLog: alertLog,
		Hasher:   sha256.New(),
		Clock:    clock,
		IDs:      ids,
		Observer: estimator,
	}, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	a.dispatch = dispatcher.New(dispatcher.Config{
		Workers:       cfg.Crawler.Concurrency,
		RescueEvery:   cfg.Frontier.RescueEvery,
		ProgressEvery: cfg.Frontier.ProgressEvery,
		StuckAfter:    time.Duration(cfg.Frontier.StuckMinutes) * time.Minute,
		IdleWait:      time.Duration(cfg.Frontier.IdleWaitSeconds) * time.Second,
	}, a.frontier, wk, estimator, logger.Named("dispatcher"))

	a.apiServer = api.NewServer(api.NewProgressHandler(api.ProgressDeps{
		Frontier:   a.frontier,
		Estimator:  estimator,
		Stats:      store,
		Pool:       a.pool.Stats,
		Batch:      a.writer.Stats,
		Dispatcher: a.dispatch.Stats,
		Caches: map[string]func() cache.Stats{
			"url_records": records.Stats,
			"site_state":  states.Stats,
		},
	}, logger.Named("progress")), func(ctx context.Context) error {
		if a.mongoClient == nil {
			return nil
		}
		return mongostore.Ping(ctx, a.mongoClient)
	}, logger.Named("api"))

	return a, nil
}

// stateStore is everything the frontier, estimator and API read and write.
type stateStore interface {
	crawler.URLStore
	crawler.SiteStore
	crawler.StatsStore
	crawler.MutationSink
}

func (a *App) setupState(ctx context.Context, policy retry.Policy) (stateStore, error) {
	if a.cfg.State.Backend == "memory" {
		a.logger.Warn("state backend is memory, crawl state is lost on restart")
		return memorystore.NewStore(), nil
	}
	return a.setupMongo(ctx, policy)
}

func (a *App) setupMongo(ctx context.Context, policy retry.Policy) (*mongostore.Store, error) {
	client, err := mongostore.Connect(ctx, mongostore.Config{
		URI:            a.cfg.Mongo.URI,
		Database:       a.cfg.Mongo.Database,
		ConnectTimeout: time.Duration(a.cfg.Mongo.ConnectTimeoutSeconds) * time.Second,
		Retry:          policy,
		Logger:         a.logger.Named("mongo"),
	})
	if err != nil {
		return nil, fmt.Errorf("mongo init failed: %w", err)
	}
	a.mongoClient = client
	db := client.Database(a.cfg.Mongo.Database)
	if err := mongostore.EnsureIndexes(ctx, db); err != nil {
		return nil, fmt.Errorf("mongo indexes failed: %w", err)
	}
	a.logger.Info("mongo connected", zap.String("database", a.cfg.Mongo.Database))
	return mongostore.NewStore(db, policy), nil
}

// seed loads site state and inserts the configured entry points.
func (a *App) seed(ctx context.Context) error {
	state, err := a.frontier.Init(ctx)
	if err != nil {
		return fmt.Errorf("frontier init failed: %w", err)
	}
	added, err := a.frontier.AddNew(ctx, a.cfg.Site.BaseURLs)
	if err != nil {
		return fmt.Errorf("seed base urls failed: %w", err)
	}
	a.logger.Info("frontier ready",
		zap.Int("cycle", state.CurrentCycle),
		zap.Bool("first_cycle", state.IsFirstCycle),
		zap.Int("seeded", added),
	)
	return nil
}

func (a *App) setupNotifier(ctx context.Context) (*notify.Notifier, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, alerts stay in memory")
		return notify.New(memorypublisher.New(a.cfg.PubSub.OutboxSize), memoryAlertTopic, a.logger.Named("notify")), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return notify.New(a.publisher, a.cfg.PubSub.TopicName, a.logger.Named("notify")), nil
}

// setupAlertLog returns nil when no DSN is configured.
func (a *App) setupAlertLog(ctx context.Context) (crawler.AlertLog, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified, alert log disabled")
		return nil, nil
	}
	alertLog, err := pgstore.NewAlertLog(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("alert log init failed: %w", err)
	}
	a.alertLog = alertLog
	a.logger.Info("alert log initialized", zap.String("table", a.cfg.DB.Table))
	return alertLog, nil
}

// Run starts the browser pool, the dispatcher and the HTTP API, and blocks
// until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.pool.Start(ctx)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatched

	a.Close(shutdownCtx)
	return nil
}

// Close flushes pending writes and releases every client. It tolerates a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil {
			a.logger.Warn("batch writer flush failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.launcher != nil {
		a.launcher.Close()
	}
	if a.blobClose != nil {
		if err := a.blobClose(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.alertLog != nil {
		a.alertLog.Close()
	}
	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(ctx); err != nil {
			a.logger.Warn("mongo disconnect failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func retryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   millis(c.BaseDelayMs),
		MaxDelay:    millis(c.MaxDelayMs),
	}
}

// domainDelay maps the configured spacing to the limiter's convention,
// where a negative delay disables limiting.
func domainDelay(seconds float64) time.Duration {
	if seconds <= 0 {
		return -1
	}
	return config.Seconds(seconds)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
