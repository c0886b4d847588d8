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

	"github.com/redis/go-redis/v9"

	"github.com/exportflow/exportflow/internal/api"
	"github.com/exportflow/exportflow/internal/config"
	"github.com/exportflow/exportflow/internal/export"
	"github.com/exportflow/exportflow/internal/ledger"
	"github.com/exportflow/exportflow/internal/queue"
	"github.com/exportflow/exportflow/internal/ratelimit"
	"github.com/exportflow/exportflow/internal/storage"
	"github.com/exportflow/exportflow/internal/store"
	"github.com/exportflow/exportflow/internal/sweep"
	"github.com/exportflow/exportflow/internal/telemetry"
	"github.com/exportflow/exportflow/internal/token"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

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

	tokens, err := token.NewCodec(cfg.Token.Secret)
	if err != nil {
		logger.Fatalf("token codec setup failed: %v", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	creditLedger := ledger.NewClient(ledger.Config{
		Endpoint:      cfg.Ledger.Endpoint,
		SigningSecret: cfg.Ledger.SigningSecret,
	})

	service := export.NewService(logger, jobStore, queueClient, storageClient, tokens, creditLedger, export.ServiceConfig{
		BaseURL:          strings.TrimRight(cfg.API.BaseURL, "/"),
		DownloadTokenTTL: cfg.Export.DownloadTokenTTL,
		CreditsPerRow:    cfg.Export.CreditsPerRow,
		BatchSize:        cfg.Export.BatchSize,
		ChunkSize:        cfg.Export.ChunkSize,
		PresignDownloads: cfg.Export.PresignDownloads,
	})

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		limiter, err = ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
	}

	app := api.NewServer(logger, service, api.Options{
		OwnerHeader: cfg.API.OwnerHeader,
		RateLimiter: limiter,
		Tracing:     cfg.Telemetry.Exporter != "" && cfg.Telemetry.Exporter != "none",
	})

	reaper := sweep.NewReaper(logger, jobStore, storageClient, cfg.Export.SweepInterval)
	go reaper.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
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
