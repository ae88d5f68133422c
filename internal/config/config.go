// Package config loads process configuration from an optional YAML file,
// a .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type QueueConfig struct {
	PollTimeout       time.Duration `yaml:"pollTimeout"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	OrphanGrace       time.Duration `yaml:"orphanGrace"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	InboundCapacity int           `yaml:"inboundCapacity"`
	MaxTasksPerJob  int           `yaml:"maxTasksPerJob"`
	GlobalTaskLimit int           `yaml:"globalTaskLimit"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
	ClaimGrace      time.Duration `yaml:"claimGrace"`
	HealthAddr      string        `yaml:"healthAddr"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"maxAttempts"`
	MinBackoff    time.Duration `yaml:"minBackoff"`
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
	JitterPercent int           `yaml:"jitterPercent"`
}

type TransformConfig struct {
	FFMPEGPath      string `yaml:"ffmpegPath"`
	FFProbePath     string `yaml:"ffprobePath"`
	TempDir         string `yaml:"tempDir"`
	ThumbnailWidth  int    `yaml:"thumbnailWidth"`
	ThumbnailHeight int    `yaml:"thumbnailHeight"`
	Quality         int    `yaml:"quality"`
}

type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"maxBytes"`
	UserAgent string        `yaml:"userAgent"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	LogLevel  string          `yaml:"logLevel"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Minio     MinioConfig     `yaml:"minio"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retry     RetryConfig     `yaml:"retry"`
	Transform TransformConfig `yaml:"transform"`
	Fetch     FetchConfig     `yaml:"fetch"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server:   ServerConfig{Addr: ":8080"},
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "pixelpipe"},
		Queue:    QueueConfig{PollTimeout: 5 * time.Second, VisibilityTimeout: 15 * time.Minute, OrphanGrace: 30 * time.Second},
		Minio: MinioConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minio",
			SecretKey: "minio123",
			Bucket:    "processed",
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			InboundCapacity: 8,
			MaxTasksPerJob:  8,
			GlobalTaskLimit: 16,
			JobTimeout:      5 * time.Minute,
			ClaimGrace:      30 * time.Second,
			HealthAddr:      ":8081",
		},
		Retry: RetryConfig{MaxAttempts: 3, MinBackoff: 2 * time.Second, MaxBackoff: 5 * time.Minute, JitterPercent: 20},
		Transform: TransformConfig{
			FFMPEGPath:      "ffmpeg",
			FFProbePath:     "ffprobe",
			TempDir:         os.TempDir(),
			ThumbnailWidth:  150,
			ThumbnailHeight: 150,
			Quality:         85,
		},
		Fetch: FetchConfig{Timeout: 30 * time.Second, MaxBytes: 50 << 20, UserAgent: "pixelpipe/1.0"},
	}
}

// Load reads path (if not empty) over the defaults, then applies a .env file
// from the working directory when present and finally the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = valueOrDefault(os.Getenv("LOG_LEVEL"), c.LogLevel)
	c.Server.Addr = valueOrDefault(os.Getenv("API_ADDR"), c.Server.Addr)

	c.Redis.Addr = valueOrDefault(os.Getenv("REDIS_ADDR"), c.Redis.Addr)
	c.Redis.Password = valueOrDefault(os.Getenv("REDIS_PASSWORD"), c.Redis.Password)
	c.Redis.DB = parseInt(os.Getenv("REDIS_DB"), c.Redis.DB)
	c.Redis.Prefix = valueOrDefault(os.Getenv("REDIS_PREFIX"), c.Redis.Prefix)

	c.Queue.PollTimeout = parseDuration(os.Getenv("QUEUE_POLL_TIMEOUT"), c.Queue.PollTimeout)
	c.Queue.VisibilityTimeout = parseDuration(os.Getenv("QUEUE_VISIBILITY_TIMEOUT"), c.Queue.VisibilityTimeout)
	c.Queue.OrphanGrace = parseDuration(os.Getenv("QUEUE_ORPHAN_GRACE"), c.Queue.OrphanGrace)

	c.Minio.Endpoint = valueOrDefault(os.Getenv("MINIO_ENDPOINT"), c.Minio.Endpoint)
	c.Minio.AccessKey = valueOrDefault(os.Getenv("MINIO_ACCESS_KEY"), c.Minio.AccessKey)
	c.Minio.SecretKey = valueOrDefault(os.Getenv("MINIO_SECRET_KEY"), c.Minio.SecretKey)
	c.Minio.UseSSL = parseBool(os.Getenv("MINIO_USE_SSL"), c.Minio.UseSSL)
	c.Minio.Region = valueOrDefault(os.Getenv("MINIO_REGION"), c.Minio.Region)
	c.Minio.Bucket = valueOrDefault(os.Getenv("MINIO_BUCKET"), c.Minio.Bucket)
	c.Minio.Prefix = valueOrDefault(os.Getenv("MINIO_PREFIX"), c.Minio.Prefix)

	c.Worker.Concurrency = parseInt(os.Getenv("WORKER_CONCURRENCY"), c.Worker.Concurrency)
	c.Worker.InboundCapacity = parseInt(os.Getenv("WORKER_INBOUND_CAPACITY"), c.Worker.InboundCapacity)
	c.Worker.MaxTasksPerJob = parseInt(os.Getenv("WORKER_MAX_TASKS_PER_JOB"), c.Worker.MaxTasksPerJob)
	c.Worker.GlobalTaskLimit = parseInt(os.Getenv("WORKER_GLOBAL_TASK_LIMIT"), c.Worker.GlobalTaskLimit)
	c.Worker.JobTimeout = parseDuration(os.Getenv("WORKER_JOB_TIMEOUT"), c.Worker.JobTimeout)
	c.Worker.ClaimGrace = parseDuration(os.Getenv("WORKER_CLAIM_GRACE"), c.Worker.ClaimGrace)
	c.Worker.HealthAddr = valueOrDefault(os.Getenv("WORKER_HEALTH_ADDR"), c.Worker.HealthAddr)

	c.Retry.MaxAttempts = parseInt(os.Getenv("WORKER_MAX_RETRIES"), c.Retry.MaxAttempts)
	c.Retry.MinBackoff = parseDuration(os.Getenv("RETRY_MIN_BACKOFF"), c.Retry.MinBackoff)
	c.Retry.MaxBackoff = parseDuration(os.Getenv("RETRY_MAX_BACKOFF"), c.Retry.MaxBackoff)
	c.Retry.JitterPercent = parseInt(os.Getenv("RETRY_JITTER_PERCENT"), c.Retry.JitterPercent)

	c.Transform.FFMPEGPath = valueOrDefault(os.Getenv("FFMPEG_PATH"), c.Transform.FFMPEGPath)
	c.Transform.FFProbePath = valueOrDefault(os.Getenv("FFPROBE_PATH"), c.Transform.FFProbePath)
	c.Transform.TempDir = valueOrDefault(os.Getenv("WORKER_TMP_DIR"), c.Transform.TempDir)
	c.Transform.Quality = parseInt(os.Getenv("IMAGE_QUALITY"), c.Transform.Quality)
	if w, h, ok := parseBox(os.Getenv("THUMBNAIL_SIZE")); ok {
		c.Transform.ThumbnailWidth, c.Transform.ThumbnailHeight = w, h
	}

	c.Fetch.Timeout = parseDuration(os.Getenv("FETCH_TIMEOUT"), c.Fetch.Timeout)
	c.Fetch.MaxBytes = int64(parseInt(os.Getenv("FETCH_MAX_BYTES"), int(c.Fetch.MaxBytes)))
	c.Fetch.UserAgent = valueOrDefault(os.Getenv("FETCH_USER_AGENT"), c.Fetch.UserAgent)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.InboundCapacity <= 0 {
		errs = append(errs, errors.New("worker.inboundCapacity must be positive"))
	}
	if c.Worker.MaxTasksPerJob <= 0 {
		errs = append(errs, errors.New("worker.maxTasksPerJob must be positive"))
	}
	if c.Worker.GlobalTaskLimit <= 0 {
		errs = append(errs, errors.New("worker.globalTaskLimit must be positive"))
	}
	if c.Worker.JobTimeout <= 0 {
		errs = append(errs, errors.New("worker.jobTimeout must be positive"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.maxAttempts must not be negative"))
	}
	if c.Retry.MinBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.MinBackoff {
		errs = append(errs, errors.New("retry backoff must satisfy 0 < minBackoff <= maxBackoff"))
	}
	if c.Retry.JitterPercent < 0 || c.Retry.JitterPercent > 100 {
		errs = append(errs, errors.New("retry.jitterPercent must be within 0-100"))
	}
	if c.Queue.VisibilityTimeout > 0 && c.Queue.VisibilityTimeout < c.Worker.JobTimeout {
		errs = append(errs, errors.New("queue.visibilityTimeout must not be shorter than worker.jobTimeout"))
	}
	if c.Minio.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

// parseBox reads a WIDTHxHEIGHT pair.
func parseBox(value string) (int, int, bool) {
	w, h, ok := strings.Cut(strings.TrimSpace(value), "x")
	if !ok {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
