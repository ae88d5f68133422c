package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Retry.MaxAttempts != 3 || cfg.Worker.MaxTasksPerJob != 8 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Transform.ThumbnailWidth != 150 || cfg.Transform.ThumbnailHeight != 150 {
		t.Fatalf("thumbnail box = %dx%d", cfg.Transform.ThumbnailWidth, cfg.Transform.ThumbnailHeight)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
logLevel: debug
redis:
  addr: redis:6379
  prefix: imgs
worker:
  concurrency: 6
  jobTimeout: 90s
retry:
  maxAttempts: 5
  minBackoff: 1s
  maxBackoff: 1m
minio:
  bucket: outputs
`)
	t.Setenv("REDIS_ADDR", "override:6380")
	t.Setenv("WORKER_MAX_RETRIES", "7")
	t.Setenv("THUMBNAIL_SIZE", "200x100")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "override:6380" || cfg.Redis.Prefix != "imgs" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.JobTimeout != 90*time.Second {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Retry.MaxAttempts != 7 || cfg.Retry.MaxBackoff != time.Minute {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	if cfg.Transform.ThumbnailWidth != 200 || cfg.Transform.ThumbnailHeight != 100 {
		t.Fatalf("thumbnail = %dx%d", cfg.Transform.ThumbnailWidth, cfg.Transform.ThumbnailHeight)
	}
	if !cfg.Minio.UseSSL || cfg.Minio.Bucket != "outputs" {
		t.Fatalf("minio = %+v", cfg.Minio)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level = %v", cfg.SlogLevel())
	}
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")
	t.Setenv("WORKER_JOB_TIMEOUT", "soon")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 4 || cfg.Worker.JobTimeout != 5*time.Minute {
		t.Fatalf("malformed values were applied: %+v", cfg.Worker)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	path := writeConfig(t, `
worker:
  concurrency: 0
retry:
  minBackoff: 10s
  maxBackoff: 1s
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"worker.concurrency", "backoff"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
