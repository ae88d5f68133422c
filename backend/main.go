package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/pixelpipe/internal/api"
	"github.com/imalyk/pixelpipe/internal/config"
	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/internal/status"
)

func main() {
	configPath := flag.String("config", os.Getenv("PIXELPIPE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	transport := queue.NewRedis(redisClient, queue.RedisOptions{
		Prefix:            cfg.Redis.Prefix,
		PollTimeout:       cfg.Queue.PollTimeout,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		OrphanGrace:       cfg.Queue.OrphanGrace,
	}, logger)
	store := status.NewRedis(redisClient, cfg.Redis.Prefix)
	server := api.NewServer(transport, store, transport, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("api listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}
