package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"MarginIndexer/internal/config"
	"MarginIndexer/internal/core"
	"MarginIndexer/internal/cursor"
	"MarginIndexer/internal/event"
	"MarginIndexer/internal/ingestion"
	"MarginIndexer/internal/lock"
	"MarginIndexer/internal/observability"
	"MarginIndexer/internal/persistence"
	"MarginIndexer/internal/projection"
	"MarginIndexer/internal/server"
	"MarginIndexer/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := observability.NewLogger("indexer")
		boot.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level)
	}
	logger := newLogger("indexer")

	if err := run(cfg, logger, newLogger); err != nil {
		logger.Error().Err(err).Msg("indexer exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger, newLogger func(string) zerolog.Logger) error {
	logger.Info().
		Str("network", cfg.Network).
		Str("package_id", cfg.PackageID).
		Str("graphql_url", cfg.GraphQLURL).
		Msg("MarginIndexer starting")

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := persistence.OpenPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	if cfg.Migrate {
		n, err := persistence.NewMigrator(db, migrations.FS, newLogger("migrator")).Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}
	gateway := persistence.NewPostgresGateway(db)

	cursors, err := openCursorStore(cfg, db, newLogger("cursor"))
	if err != nil {
		return err
	}

	// --- Event source ---
	source, err := ingestion.NewClient(ingestion.ClientConfig{
		URL:               cfg.GraphQLURL,
		PackageID:         cfg.PackageID,
		PageSize:          cfg.PageSize,
		RequestsPerSecond: cfg.SourceRPS,
		Timeout:           30 * time.Second,
	}, newLogger("source"), metrics)
	if err != nil {
		return fmt.Errorf("event source: %w", err)
	}

	// --- Background goroutines: admin, metrics, publisher ---
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	errChan := make(chan error, 4)

	// Only a non-nil publisher may become the notifier.
	var notifier projection.Notifier
	var nc *nats.Conn
	publisherDone := make(chan struct{})
	if cfg.NATSURL != "" {
		var publisher *ingestion.NotificationPublisher
		nc, publisher, err = startPublisher(ctx, bgCtx, cfg.NATSURL, newLogger("nats"), metrics, publisherDone)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = publisher
	} else {
		close(publisherDone)
		logger.Info().Msg("NATS publisher disabled")
	}

	projector := projection.NewProjector(gateway, notifier, newLogger("projection"), metrics)
	indexer := core.NewIndexer(core.Config{
		EventTypes:   event.EventTypes(),
		PollInterval: cfg.PollInterval,
	}, source, projector, cursors, newLogger("core"), metrics)

	admin := server.NewAdminServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Cursors:       indexer,
		HealthChecker: healthChecker,
		Logger:        newLogger("admin"),
	})
	indexer.OnCycle(func(err error) {
		healthChecker.RecordCycle(err)
		healthChecker.SetReady(true)
		admin.SetServing(true)
	})

	go func() { errChan <- admin.StartGRPC(bgCtx) }()
	go func() { errChan <- admin.StartHTTP(bgCtx) }()
	go func() { errChan <- server.StartMetrics(bgCtx, cfg.MetricsAddr, registry, newLogger("metrics")) }()

	// --- Leader lease ---
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var lease *lock.Lease
	if cfg.RedisURL != "" {
		var rdb *redis.Client
		rdb, lease, err = acquireLease(ctx, cfg, newLogger("lease"), metrics)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("shutdown requested before the lease was acquired")
				return nil
			}
			return err
		}
		defer rdb.Close()
		go func() {
			// Losing the lease stops the poll loop at its next boundary.
			lease.Keep(runCtx, runCancel)
		}()
	} else {
		logger.Info().Msg("leader lease disabled")
	}

	// --- Poll loop ---
	indexerDone := make(chan error, 1)
	go func() { indexerDone <- indexer.Run(runCtx) }()

	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("MarginIndexer ready")

	var runErr error
	select {
	case runErr = <-indexerDone:
	case err := <-errChan:
		logger.Error().Err(err).Msg("server failed, shutting down")
		runErr = err
		runCancel()
		<-indexerDone
	}
	if runErr == nil && lease != nil && !lease.Held() && ctx.Err() == nil {
		runErr = fmt.Errorf("poll loop stopped: %w", lock.ErrNotHeld)
	}

	// --- Graceful shutdown ---
	// The poll loop has returned; release the rest in reverse order.
	healthChecker.SetReady(false)
	admin.SetServing(false)
	bgCancel()
	<-publisherDone

	if lease != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn().Err(err).Msg("lease release failed")
		}
		cancel()
	}

	logger.Info().Msg("MarginIndexer stopped")
	return runErr
}

func openCursorStore(cfg *config.Config, db *sql.DB, logger zerolog.Logger) (cursor.Store, error) {
	switch cfg.CursorBackend {
	case config.CursorBackendFile:
		logger.Info().Str("path", cfg.CursorFile).Msg("using file cursor store")
		return cursor.NewFileStore(cfg.CursorFile, logger), nil
	case config.CursorBackendPostgres:
		logger.Info().Msg("using postgres cursor store")
		return cursor.NewPostgresStore(db), nil
	case config.CursorBackendMemory:
		logger.Warn().Msg("using in-memory cursor store; progress is lost on restart")
		return cursor.NewMemoryStore(nil), nil
	default:
		return nil, fmt.Errorf("unknown cursor backend %q", cfg.CursorBackend)
	}
}

func startPublisher(
	ctx, bgCtx context.Context,
	url string,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	done chan<- struct{},
) (*nats.Conn, *ingestion.NotificationPublisher, error) {
	nc, js, err := ingestion.ConnectNATS(url, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := ingestion.EnsureNotificationStream(ctx, js); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logger.Info().Msg("NATS connected")

	publisher := ingestion.NewNotificationPublisher(js, 4096, logger, metrics)
	go func() {
		defer close(done)
		publisher.Run(bgCtx)
	}()
	return nc, publisher, nil
}

func acquireLease(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*redis.Client, *lock.Lease, error) {
	rdb, err := lock.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	lease := lock.NewLease(rdb, lock.DefaultKey, cfg.LeaseTTL, logger, metrics)
	if err := lease.Acquire(ctx); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("acquire leader lease: %w", err)
	}
	return rdb, lease, nil
}
