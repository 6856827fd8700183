// Command worker runs the cache-or-fetch side of the service: it consumes
// currency requests, answers them from Postgres when fresh, forwards cache
// misses to the fetch topic, calls the upstream rates API and publishes
// replies back to the response topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	redisledger "github.com/EvgeniOk14/currency-rates-service/internal/adapter/ledger/redis"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/queue/kafka"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/repo/postgres"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/upstream/exchangerates"
	"github.com/EvgeniOk14/currency-rates-service/internal/config"
	"github.com/EvgeniOk14/currency-rates-service/internal/usecase"
	"github.com/EvgeniOk14/currency-rates-service/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its metrics on a dedicated port; the edge owns
	// the public /metrics route.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection and schema
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := postgres.NewRateStore(pool)

	// Redis dedup ledger and its midnight sweeper
	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := goredis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()
	ledger := redisledger.New(rdb)
	sweeper := redisledger.NewSweeper(ledger, cfg.DedupRetentionDays)
	go sweeper.Run(ctx)

	if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers,
		cfg.TopicRequest, cfg.TopicFetch, cfg.TopicResponse, cfg.TopicDeadLetter); err != nil {
		slog.Error("ensure topics failed", slog.Any("error", err))
		os.Exit(1)
	}

	// One transactional producer per process, with an id distinct from the
	// edge's so the two never fence each other.
	producer, err := kafka.NewProducer(cfg.KafkaBrokers,
		fmt.Sprintf("%s-worker-%s", cfg.KafkaGroupID, uuid.NewString()), cfg.TopicDeadLetter)
	if err != nil {
		slog.Error("kafka producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	pl := workerpool.New(workerpool.Config{
		CoreWorkers:  cfg.PoolCoreWorkers,
		MaxWorkers:   cfg.PoolMaxWorkers,
		QueueSize:    cfg.PoolQueueSize,
		KeepAlive:    cfg.PoolKeepAlive,
		MonitorEvery: cfg.PoolMonitorInterval,
		OnStats: func(s workerpool.Stats) {
			observability.SetPoolStats(s.Workers, s.Queued)
		},
	})

	provider := exchangerates.New(cfg)

	resolver := usecase.NewResolveService(store, ledger, producer,
		cfg.TopicFetch, cfg.TopicResponse, cfg.FreshnessWindow, cfg.DedupTTL)
	fetcher := usecase.NewFetchService(store, provider, producer, cfg.TopicResponse)

	requestConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers,
		cfg.KafkaGroupID+"-request", cfg.TopicRequest, pl, resolver.HandleRequest)
	if err != nil {
		slog.Error("request consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer requestConsumer.Close()

	fetchConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers,
		cfg.KafkaGroupID+"-fetch", cfg.TopicFetch, pl, fetcher.HandleFetch)
	if err != nil {
		slog.Error("fetch consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer fetchConsumer.Close()

	consumerErr := make(chan error, 2)
	go func() {
		if err := requestConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			consumerErr <- fmt.Errorf("request consumer: %w", err)
		}
	}()
	go func() {
		if err := fetchConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			consumerErr <- fmt.Errorf("fetch consumer: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-consumerErr:
		slog.Error("consumer failed", slog.Any("error", err))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := pl.Shutdown(shutdownCtx); err != nil {
		slog.Error("pool shutdown incomplete", slog.Any("error", err))
	}
	slog.Info("worker stopped")
}
