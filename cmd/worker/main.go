package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exportflow/exportflow/internal/config"
	"github.com/exportflow/exportflow/internal/export"
	"github.com/exportflow/exportflow/internal/queue"
	"github.com/exportflow/exportflow/internal/rowsource"
	"github.com/exportflow/exportflow/internal/storage"
	"github.com/exportflow/exportflow/internal/store"
	"github.com/exportflow/exportflow/internal/telemetry"
	"github.com/exportflow/exportflow/internal/webhook"
	"github.com/exportflow/exportflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	jobStore, err := newJobStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("job store setup failed: %v", err)
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage setup failed: %v", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Fatalf("bucket setup failed: %v", err)
	}
	logger.Printf("storage ready bucket=%s", storageClient.Bucket())

	rows, err := rowsource.NewClient(rowsource.Config{
		Endpoint: cfg.RowSource.Endpoint,
		APIKey:   cfg.RowSource.APIKey,
		Timeout:  cfg.RowSource.Timeout,
	})
	if err != nil {
		logger.Fatalf("row source setup failed: %v", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
	})

	runner := export.NewWorker(logger, jobStore, rows, storageClient, queueClient, webhookClient, export.WorkerConfig{
		BatchSize:   cfg.Export.BatchSize,
		ArtifactTTL: cfg.Export.ArtifactTTL,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, runner)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:         cfg.Worker.MetricsAddr,
		Handler:      srv.MetricsHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Println("shutting down")
		srv.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("metrics server shutdown failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)
	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}

func newJobStore(ctx context.Context, cfg config.DatabaseConfig) (store.JobStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres":
		return store.NewPostgresJobStore(ctx, cfg.DSN)
	case "sqlite":
		return store.NewSQLiteJobStore(ctx, cfg.SQLitePath)
	default:
		return store.NewMemoryJobStore(), nil
	}
}
