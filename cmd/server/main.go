package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/leadpulse/webhooks/internal/api"
	"github.com/leadpulse/webhooks/internal/clock"
	"github.com/leadpulse/webhooks/internal/config"
	"github.com/leadpulse/webhooks/internal/engine"
	"github.com/leadpulse/webhooks/internal/observability"
	"github.com/leadpulse/webhooks/internal/queue"
	"github.com/leadpulse/webhooks/internal/store"
	ws "github.com/leadpulse/webhooks/internal/websocket"
	"github.com/leadpulse/webhooks/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	clk := clock.RealClock{}
	subs := store.NewPostgresSubscriptions(pgStore)
	deliveries := store.NewPostgresDeliveries(pgStore)
	q := queue.NewRedisQueue(redisStore.Client(), clk, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics("webhooks", promRegistry)

	hub := ws.NewHub(logger)
	go hub.Run()

	dispatcher := engine.NewDispatcher(subs, deliveries, q, clk, logger).
		WithMetrics(metrics)

	backoff := engine.Backoff{Base: cfg.RetryBase, Cap: cfg.RetryCap}
	deliverer := worker.NewDeliverer(subs, deliveries, q, backoff, clk, logger).
		WithDefaultTimeout(cfg.DefaultTimeout).
		WithMaxResponseBytes(cfg.MaxResponseBytes).
		WithMetrics(metrics).
		WithHub(hub)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	pool.Start(workerCtx)

	consumer := worker.NewConsumer(q, pool, logger).
		WithPollInterval(cfg.PollInterval).
		WithBatchSize(cfg.BatchSize).
		WithMetrics(metrics)
	consumerDone := make(chan struct{})
	go func() {
		consumer.Start(workerCtx)
		close(consumerDone)
	}()

	router := api.NewRouter(subs, deliveries, dispatcher, q, hub, promRegistry)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop feeding workers, then drain in-flight deliveries. Unclaimed
	// queue jobs survive in Redis and are picked up on restart.
	stopWorkers()
	<-consumerDone
	pool.Stop()

	logger.Info("server stopped")
}
