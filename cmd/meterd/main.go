// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/accumulator"
	"github.com/meterd/meterd/internal/aggregator"
	"github.com/meterd/meterd/internal/api"
	"github.com/meterd/meterd/internal/lock"
	"github.com/meterd/meterd/internal/monitoring"
	"github.com/meterd/meterd/internal/plans"
	"github.com/meterd/meterd/internal/postgres"
	"github.com/meterd/meterd/internal/rating"
	"github.com/meterd/meterd/internal/route"
	"github.com/meterd/meterd/internal/services"
	"github.com/meterd/meterd/internal/sink"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

const serviceVersion = "0.1.0"

func main() {
	cmd := &cli.Command{
		Name:    "meterd",
		Usage:   "Usage metering, aggregation and rating server",
		Version: serviceVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Value:   "localhost:8080",
				Usage:   "Address for the API server to listen on",
				Sources: cli.EnvVars("METERD_LISTEN"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL database connection URL",
				Sources:  cli.EnvVars("DATABASE_URL"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "plan-config",
				Usage:    "Path to the metering/pricing plan configuration file",
				Sources:  cli.EnvVars("METERD_PLAN_CONFIG"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for distributed locking (empty uses in-process locks)",
				Sources: cli.EnvVars("METERD_REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "aggregation-url",
				Usage:   "Base URL of the aggregation service (empty aggregates in process)",
				Sources: cli.EnvVars("METERD_AGGREGATION_URL"),
			},
			&cli.StringFlag{
				Name:    "rating-url",
				Usage:   "Base URL of the rating service (empty rates in process, on read)",
				Sources: cli.EnvVars("METERD_RATING_URL"),
			},
			&cli.IntFlag{
				Name:    "partitions",
				Usage:   "Number of aggregation partitions (0 disables partitioned routing)",
				Sources: cli.EnvVars("METERD_PARTITIONS"),
			},
			&cli.DurationFlag{
				Name:    "slack",
				Value:   accumulator.DefaultSlack,
				Usage:   "How far behind a rolled window boundary late usage is still folded",
				Sources: cli.EnvVars("METERD_SLACK"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Value:   services.DefaultSweepInterval,
				Usage:   "How often the recovery sweep re-emits unacknowledged documents",
				Sources: cli.EnvVars("METERD_SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "plan-cache-ttl",
				Value:   5 * time.Minute,
				Usage:   "TTL for cached plan, price and country lookups",
				Sources: cli.EnvVars("METERD_PLAN_CACHE_TTL"),
			},
			&cli.StringFlag{
				Name:    "otlp-endpoint",
				Usage:   "OTLP gRPC endpoint for metrics (empty disables metrics export)",
				Sources: cli.EnvVars("METERD_OTLP_ENDPOINT"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("METERD_DEBUG"),
			},
		},
		Action: runServer,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("Failed to run command", "error", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, c *cli.Command) error {
	// Setup logger
	logLevel := slog.LevelInfo
	if c.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Setup metrics
	var metrics *monitoring.UsageMetrics
	if endpoint := c.String("otlp-endpoint"); endpoint != "" {
		manager, err := monitoring.NewManager(monitoring.Config{
			ServiceName:    "meterd",
			ServiceVersion: serviceVersion,
			OTLPEndpoint:   endpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create monitoring manager: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := manager.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown monitoring", "error", err)
			}
		}()
		metrics = manager.GetUsageMetrics()
	}

	// Connect to database
	dbURL := c.String("database-url")
	logger.Info("Connecting to database")

	dbPool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbPool.Close()
	logger.Info("Database connection established")

	// Run database migrations
	if err := postgres.RunMigrations(logger, dbURL); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}

	// Create repositories
	accumulatorRepo, err := postgres.NewAccumulatorRepository(
		postgres.WithAccumulatorRepositoryLogger(logger),
		postgres.WithAccumulatorRepositoryDb(dbPool),
	)
	if err != nil {
		return fmt.Errorf("failed to create accumulator repository: %w", err)
	}

	aggregatorRepo, err := postgres.NewAggregatorRepository(
		postgres.WithAggregatorRepositoryLogger(logger),
		postgres.WithAggregatorRepositoryDb(dbPool),
	)
	if err != nil {
		return fmt.Errorf("failed to create aggregator repository: %w", err)
	}

	// Load plan configuration
	cfg, err := plans.LoadConfig(c.String("plan-config"))
	if err != nil {
		return fmt.Errorf("failed to load plan config: %w", err)
	}
	provider, err := cfg.Provider()
	if err != nil {
		return fmt.Errorf("failed to compile plan config: %w", err)
	}

	cacheTTL := c.Duration("plan-cache-ttl")
	planProvider := plans.NewCachedMeteringPlanProvider(provider, cacheTTL)
	defer planProvider.Close()
	priceProvider := plans.NewCachedPriceProvider(provider, cacheTTL)
	defer priceProvider.Close()
	countryProvider := plans.NewCachedCountryProvider(provider, cacheTTL)
	defer countryProvider.Close()

	// Setup locking
	var locker lock.Locker
	if redisURL := c.String("redis-url"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("Failed to close redis client", "error", err)
			}
		}()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		locker = lock.NewRedisLocker(client)
		logger.Info("Using redis locking")
	} else {
		locker = lock.NewMemoryLocker()
		logger.Info("Using in-process locking")
	}

	// Setup partitioned routing
	var parts *route.Partitioner
	if n := c.Int("partitions"); n > 0 {
		parts, err = route.New(int(n))
		if err != nil {
			return fmt.Errorf("failed to create partitioner: %w", err)
		}
	}

	slack := c.Duration("slack")

	// Create aggregation engine. Snapshots are rated on read; a rating URL
	// switches the hand-off to a remote rating service instead.
	aggregatorOptions := []aggregator.EngineOption{
		aggregator.WithLogger(logger),
		aggregator.WithSlack(slack),
	}
	var ratingSink sink.Sink
	if ratingURL := c.String("rating-url"); ratingURL != "" {
		ratingSink = sink.NewHTTPSink(ratingURL, sink.WithLogger(logger))
		aggregatorOptions = append(aggregatorOptions, aggregator.WithSink(ratingSink))
	}
	if metrics != nil {
		aggregatorOptions = append(aggregatorOptions, aggregator.WithMetrics(metrics))
	}
	aggregatorEngine := aggregator.NewEngine(aggregatorRepo, locker, planProvider, aggregatorOptions...)

	// Deltas either travel to a remote aggregation service or fold straight
	// into the local engine.
	var aggregationSink sink.Sink
	if aggregationURL := c.String("aggregation-url"); aggregationURL != "" {
		aggregationSink = sink.NewHTTPSink(aggregationURL, sink.WithLogger(logger))
	} else {
		aggregationSink = sink.Func(func(ctx context.Context, _ string, doc any) error {
			delta, ok := doc.(*meterd.AccumulatedDelta)
			if !ok {
				return fmt.Errorf("unexpected document type %T", doc)
			}
			_, err := aggregatorEngine.Aggregate(ctx, delta)
			return err
		})
	}

	accumulatorOptions := []accumulator.EngineOption{
		accumulator.WithLogger(logger),
		accumulator.WithSlack(slack),
		accumulator.WithSink(aggregationSink, parts),
	}
	if metrics != nil {
		accumulatorOptions = append(accumulatorOptions, accumulator.WithMetrics(metrics))
	}
	accumulatorEngine := accumulator.NewEngine(accumulatorRepo, locker, planProvider, accumulatorOptions...)

	// Create rating stage
	ratingOptions := []rating.StageOption{
		rating.WithLogger(logger),
	}
	if metrics != nil {
		ratingOptions = append(ratingOptions, rating.WithMetrics(metrics))
	}
	ratingStage := rating.NewStage(planProvider, cfg.Refs(), priceProvider, countryProvider, ratingOptions...)

	// Create recovery sweeper
	sweeperOptions := []services.SweeperOption{
		services.WithSweeperLogger(logger),
		services.WithSweeperInterval(c.Duration("sweep-interval")),
	}
	if metrics != nil {
		sweeperOptions = append(sweeperOptions, services.WithSweeperMetrics(metrics))
	}
	sweeper := services.NewRecoverySweeper(
		accumulatorRepo, aggregatorRepo, aggregationSink, parts, ratingSink,
		sweeperOptions...,
	)

	// Create API server
	server, err := api.NewServer(
		api.WithServerLogger(logger),
		api.WithServerAddr(c.String("listen")),
		api.WithServerAccumulator(accumulatorEngine),
		api.WithServerAggregator(aggregatorEngine),
		api.WithServerRating(ratingStage),
		api.WithServerAccumulatorRepository(accumulatorRepo),
		api.WithServerAggregatorRepository(aggregatorRepo),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sweeper.Start(ctx)
	defer sweeper.Stop()

	serverChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverChan <- fmt.Errorf("api server failed: %w", err)
		}
		close(serverChan)
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverChan:
		return err
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", "signal", sig)

		// Drain the API server before the deferred cancel stops the sweeper.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown server gracefully", "error", err)
			return err
		}

		logger.Info("Server shutdown complete")
		return nil
	}
}
