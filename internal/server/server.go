// Package server builds the application's dependency graph from configuration
// and runs the HTTP service.
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
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/api"
	"github.com/JakeFAU/realtime-events-crawler/internal/config"
	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	headlessfetcher "github.com/JakeFAU/realtime-events-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-events-crawler/internal/logging"
	"github.com/JakeFAU/realtime-events-crawler/internal/metrics"
	"github.com/JakeFAU/realtime-events-crawler/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/realtime-events-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-events-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/realtime-events-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-events-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-events-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-events-crawler/internal/storage/postgres"
	"github.com/JakeFAU/realtime-events-crawler/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	runner       *orchestrator.Runner
	events       crawler.EventStore
	runs         crawler.RunStore
	snapshots    crawler.BlobStore
	publisher    crawler.Publisher
	apiServer    *api.Server
	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
	headless     *headlessfetcher.Fetcher
	tracing      *sdktrace.TracerProvider
}

// Build creates the application's dependencies, including its logger.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("sources", len(cfg.Sources)),
		zap.Int("port", cfg.Server.Port),
	)

	steps := []func(context.Context) error{
		app.setupTracing,
		app.setupDatabase,
		app.setupSnapshots,
		app.setupPublisher,
		app.setupRunner,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}

	var ready api.ReadyFunc
	if app.pool != nil {
		ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(app.runner, app.events, ready, cfg, logger)
	return app, nil
}

// Runner exposes the run coordinator.
func (a *App) Runner() *orchestrator.Runner {
	return a.runner
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler for the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scrape runs the request once and returns its summary.
func (a *App) Scrape(ctx context.Context, req crawler.RunRequest) (crawler.Summary, error) {
	summary, err := a.runner.Run(ctx, req)
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("scrape: %w", err)
	}
	return summary, nil
}

// Run serves the API and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close waits for background runs and releases infrastructure clients.
func (a *App) Close() {
	if a.runner != nil {
		a.runner.Wait()
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
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
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracing(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		Version:     a.cfg.Tracing.Version,
		ProjectID:   a.cfg.Tracing.ProjectID,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	a.tracing = tp
	a.logger.Info("tracing enabled",
		zap.String("service", a.cfg.Tracing.ServiceName),
		zap.Bool("export", a.cfg.Tracing.ProjectID != ""),
	)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory event and run stores")
		a.events = memorystorage.NewEventStore()
		a.runs = memorystorage.NewRunStore(a.cfg.Runner.RunHistory)
		return nil
	}
	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinute) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	events, err := pgstore.NewEventStore(a.pool, a.cfg.DB.Table)
	if err != nil {
		return fmt.Errorf("event store init failed: %w", err)
	}
	runs, err := pgstore.NewRunStore(a.pool, a.cfg.DB.RunsTable)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	if a.cfg.DB.EnsureSchema {
		if err := events.EnsureSchema(ctx); err != nil {
			return err //nolint:wrapcheck
		}
		if err := runs.EnsureSchema(ctx); err != nil {
			return err //nolint:wrapcheck
		}
	}
	a.events, a.runs = events, runs
	a.logger.Info("postgres stores initialized",
		zap.String("table", a.cfg.DB.Table),
		zap.String("runs_table", a.cfg.DB.RunsTable),
	)
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) error {
	var err error
	switch a.cfg.Snapshot.Backend {
	case config.SnapshotGCS:
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.snapshots, err = gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Snapshot.GCSBucket,
			Prefix: a.cfg.Snapshot.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", a.cfg.Snapshot.GCSBucket))
	case config.SnapshotLocal:
		a.snapshots, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshot.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot backend", zap.String("path", a.cfg.Snapshot.BaseDir))
	case config.SnapshotMemory:
		a.snapshots = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot backend")
	default:
		a.logger.Info("page snapshots disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient)
	a.publisher = a.gcpPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}
