package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	gate := cfg.RateGateConfig()
	if gate.EffectiveMax() != 90 {
		t.Fatalf("expected effective max 90, got %d", gate.EffectiveMax())
	}
	if got := cfg.Feishu.RateLimitCodes; len(got) != 1 || got[0] != 99991400 {
		t.Fatalf("expected default rate limit code, got %v", got)
	}
	if cfg.Crawler.PageSize != 50 || cfg.Crawler.Workers != 2 {
		t.Fatalf("expected crawler defaults, got %+v", cfg.Crawler)
	}
	if cfg.Crawler.ScheduleDelay != 100*time.Millisecond {
		t.Fatalf("expected 100ms schedule delay, got %v", cfg.Crawler.ScheduleDelay)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Storage.Backend != StorageMemory || cfg.Cache.Backend != CacheNone {
		t.Fatalf("expected memory storage and no cache, got %q/%q", cfg.Storage.Backend, cfg.Cache.Backend)
	}
	if svc := cfg.ServiceConfig(); svc.CacheTTL != 0 || svc.Topic != "" {
		t.Fatalf("expected cache and notifications off, got %+v", svc)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 90s
auth:
  enabled: true
  api_key: secret
feishu:
  base_url: https://open.larksuite.com
  rate_limit_codes: [99991400, 99991401]
rate_limit:
  max_calls: 50
  window: 30s
  safety_factor: 0.5
retry:
  max_retries: 3
  base: 250ms
crawler:
  workers: 4
  schedule_delay: 0s
  page_size: 20
stream:
  heartbeat: false
  cancel_on_disconnect: true
storage:
  backend: gcs
  gcs:
    bucket: wiki-snapshots
    prefix: prod
cache:
  backend: redis
  ttl: 2m
  redis:
    addr: redis:6379
pubsub:
  project_id: proj
  topic_name: crawls
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 90*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if got := cfg.FeishuClientConfig(); got.BaseURL != "https://open.larksuite.com" || len(got.RateLimitCodes) != 2 {
		t.Fatalf("expected feishu overrides, got %+v", got)
	}
	gate := cfg.RateGateConfig()
	if gate.EffectiveMax() != 25 || gate.MinSpacing() != 1200*time.Millisecond {
		t.Fatalf("expected 25 calls spaced 1.2s, got %d/%v", gate.EffectiveMax(), gate.MinSpacing())
	}
	if gate.Buffer != 100*time.Millisecond {
		t.Fatalf("expected default buffer to survive, got %v", gate.Buffer)
	}
	policy := cfg.RetryPolicy()
	if policy.MaxRetries != 3 || policy.Backoff.Base != 250*time.Millisecond {
		t.Fatalf("expected retry overrides, got %+v", policy)
	}
	svc := cfg.ServiceConfig()
	if svc.Crawler.Workers != 4 || svc.Crawler.ScheduleDelay != 0 || svc.PageSize != 20 {
		t.Fatalf("expected crawler overrides, got %+v", svc)
	}
	if svc.Stream.Heartbeat || !svc.Stream.CancelOnDisconnect {
		t.Fatalf("expected stream overrides, got %+v", svc.Stream)
	}
	if svc.CacheTTL != 2*time.Minute || svc.Topic != "crawls" {
		t.Fatalf("expected cache ttl and topic, got %+v", svc)
	}
	if cfg.Storage.GCS.Bucket != "wiki-snapshots" || cfg.Storage.GCS.Prefix != "prod" {
		t.Fatalf("expected gcs settings, got %+v", cfg.Storage.GCS)
	}
	if got := cfg.RedisOptions(); got.Addr != "redis:6379" || got.DialTimeout != 5*time.Second {
		t.Fatalf("expected redis settings, got %+v", got)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WIKICRAWL_SERVER_PORT", "7070")
	t.Setenv("WIKICRAWL_RATE_LIMIT_SAFETY_FACTOR", "1")
	t.Setenv("WIKICRAWL_CACHE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.SafetyFactor != 1 {
		t.Fatalf("expected env safety factor, got %v", cfg.RateLimit.SafetyFactor)
	}
	if cfg.ServiceConfig().CacheTTL != 5*time.Minute {
		t.Fatalf("expected memory cache with default ttl")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestHubConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	hub := cfg.HubConfig(context.Background(), zap.NewNop())
	if hub.MaxBatchWait != 500*time.Millisecond || hub.SinkTimeout != 3*time.Second {
		t.Fatalf("expected millisecond conversion, got %+v", hub)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"missing base url", func(c *Config) { c.Feishu.BaseURL = "" }, "feishu.base_url"},
		{"safety factor too high", func(c *Config) { c.RateLimit.SafetyFactor = 1.5 }, "rate_limit"},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, "rate_limit"},
		{"no retries", func(c *Config) { c.Retry.MaxRetries = 0 }, "retry.max_retries"},
		{"inverted jitter", func(c *Config) { c.Retry.RateLimitJitterMax = 0 }, "retry.rate_limit_jitter_max"},
		{"no workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"page size too big", func(c *Config) { c.Crawler.PageSize = 51 }, "crawler.page_size"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs.bucket"},
		{"local without dir", func(c *Config) {
			c.Storage.Backend = StorageLocal
			c.Storage.Local.BaseDir = ""
		}, "storage.local.base_dir"},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"redis without addr", func(c *Config) {
			c.Cache.Backend = CacheRedis
			c.Cache.Redis.Addr = ""
		}, "cache.redis.addr"},
		{"cache without ttl", func(c *Config) {
			c.Cache.Backend = CacheMemory
			c.Cache.TTL = 0
		}, "cache.ttl"},
		{"half pubsub", func(c *Config) { c.PubSub.TopicName = "crawls" }, "pubsub"},
		{"jobs without workers", func(c *Config) { c.Jobs.Workers = 0 }, "jobs.workers"},
		{"telemetry ratio out of range", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SampleRatio = 1.5
		}, "telemetry"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
