// Command server starts the currency rates HTTP edge.
//
// The edge holds no database connection of its own: every query is turned
// into a bus request and answered by a worker reply, correlated in memory.
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
	"time"

	"github.com/google/uuid"

	httpserver "github.com/EvgeniOk14/currency-rates-service/internal/adapter/httpserver"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/queue/kafka"
	"github.com/EvgeniOk14/currency-rates-service/internal/app"
	"github.com/EvgeniOk14/currency-rates-service/internal/config"
	"github.com/EvgeniOk14/currency-rates-service/internal/correlator"
	"github.com/EvgeniOk14/currency-rates-service/internal/usecase"
	"github.com/EvgeniOk14/currency-rates-service/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, bus, and pool instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Topics must exist before the first publish; creation is idempotent.
	if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers,
		cfg.TopicRequest, cfg.TopicFetch, cfg.TopicResponse, cfg.TopicDeadLetter); err != nil {
		slog.Error("ensure topics failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Transactional producer. The id must be unique per process so a
	// restarted edge fences its predecessor instead of colliding with a
	// worker's producer.
	producer, err := kafka.NewProducer(cfg.KafkaBrokers,
		fmt.Sprintf("%s-edge-%s", cfg.KafkaGroupID, uuid.NewString()), cfg.TopicDeadLetter)
	if err != nil {
		slog.Error("kafka producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	pool := workerpool.New(workerpool.Config{
		CoreWorkers:  cfg.PoolCoreWorkers,
		MaxWorkers:   cfg.PoolMaxWorkers,
		QueueSize:    cfg.PoolQueueSize,
		KeepAlive:    cfg.PoolKeepAlive,
		MonitorEvery: cfg.PoolMonitorInterval,
		OnStats: func(s workerpool.Stats) {
			observability.SetPoolStats(s.Workers, s.Queued)
		},
	})

	table := correlator.NewTable()
	queries := usecase.NewQueryService(table, pool, producer, cfg.TopicRequest, cfg.QueryTimeout)

	// Every edge instance consumes the full response topic under its own
	// group, because only the instance holding the waiter can answer.
	responseConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers,
		fmt.Sprintf("%s-edge-%s", cfg.KafkaGroupID, uuid.NewString()),
		cfg.TopicResponse, pool, queries.HandleResponse)
	if err != nil {
		slog.Error("response consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer responseConsumer.Close()

	consumerErr := make(chan error, 1)
	go func() {
		if err := responseConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			consumerErr <- err
		}
	}()

	// Readiness: the edge has no db of its own, only redis-less bus checks.
	_, _, busCheck := app.BuildReadinessChecks(nil, nil, producer)
	srv := httpserver.NewServer(cfg, queries, nil, nil, busCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-consumerErr:
		slog.Error("response consumer failed", slog.Any("error", err))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Error("pool shutdown incomplete", slog.Any("error", err))
	}
}
