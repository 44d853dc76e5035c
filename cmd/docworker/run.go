package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harvey-AU/docpipe/internal/api"
	"github.com/Harvey-AU/docpipe/internal/cache"
	"github.com/Harvey-AU/docpipe/internal/chunking"
	"github.com/Harvey-AU/docpipe/internal/concurrency"
	"github.com/Harvey-AU/docpipe/internal/config"
	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/Harvey-AU/docpipe/internal/embedding"
	"github.com/Harvey-AU/docpipe/internal/jobs"
	"github.com/Harvey-AU/docpipe/internal/monitor"
	"github.com/Harvey-AU/docpipe/internal/notifications"
	"github.com/Harvey-AU/docpipe/internal/observability"
	"github.com/Harvey-AU/docpipe/internal/parser"
	"github.com/Harvey-AU/docpipe/internal/ratelimit"
	"github.com/Harvey-AU/docpipe/internal/resilience"
	"github.com/Harvey-AU/docpipe/internal/storage"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCmd(cfgFn func() *config.Config) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and process document jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfgFn(), migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before starting")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, migrateFirst bool) error {
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	flush := initSentry(cfg)
	defer flush()

	obsProviders, err := observability.Init(ctx, observability.Config{
		Enabled:      cfg.ObservabilityEnabled,
		ServiceName:  "docworker",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPHeaders:  cfg.OTLPHeaders,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
	} else if obsProviders != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obsProviders.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
			}
		}()
	}

	if migrateFirst {
		if err := db.RunMigrations(ctx, cfg.DB); err != nil {
			return err
		}
	}

	pool := db.NewPoolManager(cfg.DB)
	if err := pool.Initialize(ctx); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer func() {
		if err := pool.ClosePool(); err != nil {
			log.Warn().Err(err).Msg("Error closing database pool")
		}
	}()
	log.Info().Msg("Connected to PostgreSQL database")

	queue := db.NewJobQueue(pool)
	store := db.NewDocumentStore(pool)

	parserLimiter, err := ratelimit.Parser()
	if err != nil {
		return err
	}
	embeddingLimiter, err := ratelimit.Embeddings()
	if err != nil {
		return err
	}

	statusCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer statusCache.Close()

	notifier := notifications.NewService()
	if cfg.SlackWebhookURL != "" {
		ch, err := notifications.NewSlackChannel(cfg.SlackWebhookURL)
		if err != nil {
			return err
		}
		notifier.AddChannel(ch)
	}

	outbound := concurrency.NewSemaphore("outbound_calls", cfg.Worker.OutboundConcurrency)
	breaker := resilience.NewBreaker(cfg.Worker.BreakerThreshold, cfg.Worker.BreakerCooldown)

	mon := monitor.New(monitor.Config{
		Thresholds: monitor.Thresholds{
			SemaphoreUsage: cfg.Monitoring.SemaphoreThreshold,
			PoolSize:       cfg.Monitoring.PoolSizeThreshold,
			ThreadCount:    cfg.Monitoring.ThreadThreshold,
		},
		HistorySize: cfg.Monitoring.HistorySize,
	}, monitor.WithAlertSink(notifier), monitor.WithRecorder(observability.MonitorRecorder{}))
	mon.RegisterSemaphore(outbound.Name(), outbound, outbound.Limit())
	mon.RegisterConnectionPool("primary", pool)

	wake := notifications.StartJobListener(ctx, cfg.DB.ConnectionString(), cfg.DatabaseDirectURL)

	workerCfg := jobs.DefaultConfig()
	workerCfg.WorkerID = cfg.Worker.ID
	workerCfg.PollInterval = cfg.Worker.PollInterval
	workerCfg.ClaimLease = cfg.Worker.ClaimLease
	workerCfg.Bucket = cfg.StorageBucket
	workerCfg.ParsePollDelay = cfg.Worker.ParsePollDelay
	workerCfg.EmbeddingBatchSize = cfg.Worker.EmbeddingBatchSize
	workerCfg.EmbeddingBatchDelay = cfg.Worker.EmbeddingBatchDelay
	workerCfg.MaxRetries = cfg.Worker.MaxRetries
	workerCfg.MaxParseRetries = cfg.Worker.MaxParseRetries
	workerCfg.MinContentChars = cfg.Worker.MinContentChars
	workerCfg.Chunking = chunking.Config{
		MaxChars:     cfg.Chunking.MaxChars,
		OverlapChars: cfg.Chunking.OverlapChars,
	}

	worker := jobs.NewWorker(workerCfg, jobs.Deps{
		Queue:  queue,
		Store:  store,
		Parser: parser.New(cfg.ParserBaseURL, cfg.ParserAPIKey, cfg.HTTPTimeout),
		Embedder: embedding.New(embedding.Config{
			BaseURL:    cfg.EmbeddingBaseURL,
			APIKey:     cfg.EmbeddingAPIKey,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
			Timeout:    cfg.HTTPTimeout,
		}),
		Storage:          storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.HTTPTimeout),
		Cache:            statusCache,
		Notifier:         notifier,
		ParserLimiter:    parserLimiter,
		EmbeddingLimiter: embeddingLimiter,
		Outbound:         outbound,
		Breaker:          breaker,
		Wake:             wake,
	})

	deps := api.Dependencies{
		Pool: pool,
		DBPing: api.PingFunc(func(ctx context.Context) error {
			return pool.WithConnection(ctx, func(ctx context.Context, conn *db.Conn) error {
				return conn.PingContext(ctx)
			})
		}),
		Cache:       statusCache,
		Monitor:     mon,
		Breaker:     breaker,
		Jobs:        queue,
		RateLimiter: api.NewIPRateLimiter(20, 10),
	}
	if obsProviders != nil {
		deps.MetricsHandler = obsProviders.MetricsHandler
	}

	server := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           observability.WrapHandler(api.NewHandler(deps).Routes(), obsProviders),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return mon.Start(gctx, cfg.Monitoring.Interval)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HealthAddr).Msg("Health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Graceful shutdown of health server failed")
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Worker stopped")
		return nil
	}
	return err
}
