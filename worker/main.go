package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/pixelpipe/internal/api"
	"github.com/imalyk/pixelpipe/internal/blob"
	"github.com/imalyk/pixelpipe/internal/config"
	"github.com/imalyk/pixelpipe/internal/dispatch"
	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/internal/retry"
	"github.com/imalyk/pixelpipe/internal/source"
	"github.com/imalyk/pixelpipe/internal/status"
	"github.com/imalyk/pixelpipe/internal/transform"
)

func main() {
	configPath := flag.String("config", os.Getenv("PIXELPIPE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	w, err := newWorker(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise worker: %v", err)
	}
	defer w.redis.Close()

	logger.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"max_tasks_per_job", cfg.Worker.MaxTasksPerJob,
		"max_attempts", cfg.Retry.MaxAttempts)
	if err := w.run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

type worker struct {
	cfg    *config.Config
	logger *slog.Logger
	redis  *redis.Client
	pool   *dispatch.Pool
	health *http.Server
}

func newWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*worker, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	outputs, err := blob.NewMinio(blob.MinioConfig{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		UseSSL:    cfg.Minio.UseSSL,
		Region:    cfg.Minio.Region,
		Bucket:    cfg.Minio.Bucket,
		Prefix:    cfg.Minio.Prefix,
	})
	if err != nil {
		return nil, err
	}
	if err := outputs.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	fetcher := source.NewRouter().
		Handle(source.NewHTTP(source.HTTPOptions{
			Timeout:   cfg.Fetch.Timeout,
			MaxBytes:  cfg.Fetch.MaxBytes,
			UserAgent: cfg.Fetch.UserAgent,
		}), "http", "https").
		Handle(source.NewS3(outputs.Client(), cfg.Fetch.MaxBytes), "s3")

	transformer, err := transform.NewFFmpeg(transform.FFmpegConfig{
		FFMPEGPath:      cfg.Transform.FFMPEGPath,
		FFProbePath:     cfg.Transform.FFProbePath,
		TempDir:         cfg.Transform.TempDir,
		ThumbnailWidth:  cfg.Transform.ThumbnailWidth,
		ThumbnailHeight: cfg.Transform.ThumbnailHeight,
		Quality:         cfg.Transform.Quality,
	})
	if err != nil {
		return nil, err
	}

	store := status.NewRedis(redisClient, cfg.Redis.Prefix)
	transport := queue.NewRedis(redisClient, queue.RedisOptions{
		Prefix:            cfg.Redis.Prefix,
		PollTimeout:       cfg.Queue.PollTimeout,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		OrphanGrace:       cfg.Queue.OrphanGrace,
	}, logger.With("component", "queue"))

	ctrl := retry.NewController(store, transport, retry.Policy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		MinBackoff:    cfg.Retry.MinBackoff,
		MaxBackoff:    cfg.Retry.MaxBackoff,
		JitterPercent: uint64(cfg.Retry.JitterPercent),
	}, logger.With("component", "retry"))

	exec := dispatch.NewExecutor(dispatch.ExecutorConfig{
		JobTimeout:      cfg.Worker.JobTimeout,
		MaxTasksPerJob:  cfg.Worker.MaxTasksPerJob,
		GlobalTaskLimit: int64(cfg.Worker.GlobalTaskLimit),
	}, fetcher, transformer, outputs, logger.With("component", "executor"))

	pool := dispatch.NewPool(dispatch.Config{
		Workers:         cfg.Worker.Concurrency,
		InboundCapacity: cfg.Worker.InboundCapacity,
		ClaimGrace:      cfg.Worker.ClaimGrace,
	}, transport, store, exec, ctrl, logger.With("component", "pool"))

	health := &http.Server{
		Addr: cfg.Worker.HealthAddr,
		Handler: api.OpsRoutes(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &worker{cfg: cfg, logger: logger, redis: redisClient, pool: pool, health: health}, nil
}

func (w *worker) run(ctx context.Context) error {
	if w.cfg.Worker.HealthAddr != "" {
		go func() {
			w.logger.Info("health endpoint listening", "addr", w.health.Addr)
			if err := w.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("health endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = w.health.Shutdown(shutdownCtx)
		}()
	}
	return w.pool.Run(ctx)
}
