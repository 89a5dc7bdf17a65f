// Package config loads and validates crawler configuration via Viper.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-tree-crawler/internal/cache"
	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu"
	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
	"github.com/JakeFAU/wiki-tree-crawler/internal/ratelimit"
	"github.com/JakeFAU/wiki-tree-crawler/internal/retry"
	"github.com/JakeFAU/wiki-tree-crawler/internal/service"
	gcsstorage "github.com/JakeFAU/wiki-tree-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/wiki-tree-crawler/internal/storage/local"
	"github.com/JakeFAU/wiki-tree-crawler/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. WIKICRAWL_SERVER_PORT.
const EnvPrefix = "WIKICRAWL"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Feishu    FeishuConfig    `mapstructure:"feishu"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Cache     CacheConfig     `mapstructure:"cache"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`

	// CredentialKey, when set, keys the digests of user access tokens.
	CredentialKey string `mapstructure:"credential_key"`
}

// FeishuConfig points the remote client at the open platform.
type FeishuConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimitCodes []int         `mapstructure:"rate_limit_codes"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RateLimitConfig tunes the per-credential rate gate.
type RateLimitConfig struct {
	MaxCalls     int           `mapstructure:"max_calls"`
	Window       time.Duration `mapstructure:"window"`
	SafetyFactor float64       `mapstructure:"safety_factor"`
	Buffer       time.Duration `mapstructure:"buffer"`
}

// RetryConfig tunes retries around each remote call.
type RetryConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	Base               time.Duration `mapstructure:"base"`
	RateLimitJitterMin time.Duration `mapstructure:"rate_limit_jitter_min"`
	RateLimitJitterMax time.Duration `mapstructure:"rate_limit_jitter_max"`
	TransientJitterMax time.Duration `mapstructure:"transient_jitter_max"`
}

// CrawlerConfig governs tree expansion.
type CrawlerConfig struct {
	Workers           int           `mapstructure:"workers"`
	ScheduleDelay     time.Duration `mapstructure:"schedule_delay"`
	RetryAfter        time.Duration `mapstructure:"retry_after"`
	PageSize          int           `mapstructure:"page_size"`
	SideEffectTimeout time.Duration `mapstructure:"side_effect_timeout"`
}

// StreamConfig tunes live progress streams.
type StreamConfig struct {
	QueueSize          int           `mapstructure:"queue_size"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	Heartbeat          bool          `mapstructure:"heartbeat"`
	CancelOnDisconnect bool          `mapstructure:"cancel_on_disconnect"`
}

// Storage backends for crawl snapshots.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects and configures the snapshot blob store.
type StorageConfig struct {
	Backend string              `mapstructure:"backend"`
	GCS     gcsstorage.Config   `mapstructure:"gcs"`
	Local   localstorage.Config `mapstructure:"local"`
}

// DBConfig controls access to the crawl run database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// EnsureSchema creates the crawl run table at startup.
	EnsureSchema bool `mapstructure:"ensure_schema"`
}

// Cache backends for finished crawl results.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// CacheConfig selects the result cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig addresses the redis cache backend.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID  string            `mapstructure:"project_id"`
	TopicName  string            `mapstructure:"topic_name"`
	Attributes map[string]string `mapstructure:"attributes"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled           bool        `mapstructure:"enabled"`
	LogEnabled        bool        `mapstructure:"log_enabled"`
	PrometheusEnabled bool        `mapstructure:"prometheus_enabled"`
	BufferSize        int         `mapstructure:"buffer_size"`
	Batch             BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int         `mapstructure:"sink_timeout_ms"`
}

// BatchConfig bounds a progress sink batch.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// JobsConfig controls background crawls.
type JobsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Workers    int           `mapstructure:"workers"`
	QueueDepth int           `mapstructure:"queue_depth"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.credential_key", "")
	v.SetDefault("feishu.base_url", feishu.DefaultBaseURL)
	v.SetDefault("feishu.timeout", "15s")
	v.SetDefault("feishu.rate_limit_codes", []int{feishu.CodeRateLimited})
	v.SetDefault("feishu.user_agent", "wiki-tree-crawler/0.1")
	v.SetDefault("rate_limit.max_calls", 100)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.safety_factor", 0.9)
	v.SetDefault("rate_limit.buffer", "100ms")
	v.SetDefault("retry.max_retries", retry.DefaultMaxRetries)
	v.SetDefault("retry.base", "1s")
	v.SetDefault("retry.rate_limit_jitter_min", "1s")
	v.SetDefault("retry.rate_limit_jitter_max", "3s")
	v.SetDefault("retry.transient_jitter_max", "1s")
	v.SetDefault("crawler.workers", crawler.DefaultWorkers)
	v.SetDefault("crawler.schedule_delay", crawler.DefaultScheduleDelay.String())
	v.SetDefault("crawler.retry_after", crawler.DefaultRetryAfter.String())
	v.SetDefault("crawler.page_size", crawler.DefaultPageSize)
	v.SetDefault("crawler.side_effect_timeout", "15s")
	v.SetDefault("stream.queue_size", progress.DefaultQueueSize)
	v.SetDefault("stream.poll_interval", progress.DefaultPollInterval.String())
	v.SetDefault("stream.heartbeat", true)
	v.SetDefault("stream.cancel_on_disconnect", false)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.local.base_dir", "data/snapshots")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("cache.backend", CacheNone)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.dial_timeout", "5s")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 64)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 3000)
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.timeout", "30m")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "wikicrawl")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Feishu.BaseURL == "" {
		return errors.New("feishu.base_url is required")
	}
	if err := c.RateGateConfig().Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if c.Retry.MaxRetries <= 0 {
		return errors.New("retry.max_retries must be > 0")
	}
	if c.Retry.RateLimitJitterMax < c.Retry.RateLimitJitterMin {
		return errors.New("retry.rate_limit_jitter_max must be >= retry.rate_limit_jitter_min")
	}
	if c.Crawler.Workers <= 0 {
		return errors.New("crawler.workers must be > 0")
	}
	if c.Crawler.PageSize <= 0 || c.Crawler.PageSize > crawler.DefaultPageSize {
		return fmt.Errorf("crawler.page_size must be in [1,%d]", crawler.DefaultPageSize)
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Jobs.Enabled && (c.Jobs.Workers <= 0 || c.Jobs.QueueDepth <= 0) {
		return errors.New("jobs.workers and jobs.queue_depth must be > 0 when jobs are enabled")
	}
	if c.Telemetry.Enabled && (c.Telemetry.ServiceName == "" || c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1) {
		return errors.New("telemetry.service_name is required and telemetry.sample_ratio must be within [0,1]")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	return nil
}

func (c Config) validateCache() error {
	switch c.Cache.Backend {
	case CacheNone:
		return nil
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of none, memory, redis", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be > 0 when a cache is configured")
	}
	return nil
}

// RateGateConfig converts the rate_limit section.
func (c Config) RateGateConfig() ratelimit.Config {
	return ratelimit.Config{
		MaxCalls:     c.RateLimit.MaxCalls,
		Window:       c.RateLimit.Window,
		SafetyFactor: c.RateLimit.SafetyFactor,
		Buffer:       c.RateLimit.Buffer,
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxRetries: c.Retry.MaxRetries,
		Backoff: retry.Backoff{
			Base:               c.Retry.Base,
			RateLimitJitterMin: c.Retry.RateLimitJitterMin,
			RateLimitJitterMax: c.Retry.RateLimitJitterMax,
			TransientJitterMax: c.Retry.TransientJitterMax,
		},
	}
}

// CrawlerOptions converts the crawler section.
func (c Config) CrawlerOptions() crawler.Config {
	return crawler.Config{
		Workers:       c.Crawler.Workers,
		ScheduleDelay: c.Crawler.ScheduleDelay,
		RetryAfter:    c.Crawler.RetryAfter,
	}
}

// StreamOptions converts the stream section.
func (c Config) StreamOptions() progress.StreamConfig {
	return progress.StreamConfig{
		QueueSize:          c.Stream.QueueSize,
		PollInterval:       c.Stream.PollInterval,
		Heartbeat:          c.Stream.Heartbeat,
		CancelOnDisconnect: c.Stream.CancelOnDisconnect,
	}
}

// FeishuClientConfig converts the feishu section.
func (c Config) FeishuClientConfig() feishu.Config {
	return feishu.Config{
		BaseURL:        c.Feishu.BaseURL,
		Timeout:        c.Feishu.Timeout,
		RateLimitCodes: c.Feishu.RateLimitCodes,
		UserAgent:      c.Feishu.UserAgent,
	}
}

// RedisOptions converts the cache.redis section.
func (c Config) RedisOptions() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:        c.Cache.Redis.Addr,
		Password:    c.Cache.Redis.Password,
		DB:          c.Cache.Redis.DB,
		DialTimeout: c.Cache.Redis.DialTimeout,
	}
}

// ServiceConfig assembles the crawl service settings.
func (c Config) ServiceConfig() service.Config {
	cfg := service.Config{
		Retry:             c.RetryPolicy(),
		Crawler:           c.CrawlerOptions(),
		PageSize:          c.Crawler.PageSize,
		Stream:            c.StreamOptions(),
		Topic:             c.PubSub.TopicName,
		SideEffectTimeout: c.Crawler.SideEffectTimeout,
	}
	if c.Cache.Backend != CacheNone {
		cfg.CacheTTL = c.Cache.TTL
	}
	return cfg
}

// HubConfig converts the progress section.
func (c Config) HubConfig(ctx context.Context, logger *zap.Logger) progress.Config {
	return progress.Config{
		BufferSize:     c.Progress.BufferSize,
		MaxBatchEvents: c.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(c.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         logger,
	}
}

// TracingConfig converts the telemetry section.
func (c Config) TracingConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: c.Telemetry.ServiceVersion,
		SampleRatio:    c.Telemetry.SampleRatio,
	}
}
