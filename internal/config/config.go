// Package config loads and validates the braid configuration from YAML or
// JSON5 files, with environment expansion and $include composition.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/braidhq/braid/internal/usage"
)

// Config is the main configuration structure for braid.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Blob          BlobConfig          `yaml:"blob"`
	LLM           LLMConfig           `yaml:"llm"`
	Chat          ChatConfig          `yaml:"chat"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retry         RetryConfig         `yaml:"retry"`
	ToolBuffer    ToolBufferConfig    `yaml:"tool_buffer"`
	Tools         ToolsConfig         `yaml:"tools"`
	Pricing       usage.PriceTable    `yaml:"pricing"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`

	// ReadHeaderTimeout bounds header parsing. Default: 10s.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver selects the store implementation: "postgres" or "memory".
	// Default: "memory".
	Driver string `yaml:"driver"`

	// URL is the postgres connection string. Required for the postgres driver.
	URL string `yaml:"url"`

	// MaxOpenConns caps the pool. Default: 25.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns caps idle connections. Default: 5.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime recycles connections. Default: 5m.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Required unless Disabled.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer is the expected token issuer claim.
	Issuer string `yaml:"issuer"`

	// TokenExpiry bounds issued token lifetime. Default: 24h.
	TokenExpiry time.Duration `yaml:"token_expiry"`

	// AllowedEmails restricts sign-in when non-empty.
	AllowedEmails []string `yaml:"allowed_emails"`

	// Disabled turns off verification for local development.
	Disabled bool `yaml:"disabled"`
}

type BlobConfig struct {
	// Backend specifies file storage: "memory", "local", or "s3".
	// Default: "local".
	Backend string `yaml:"backend"`

	// LocalDir is the directory for local storage. Default: "./data/blobs".
	LocalDir string `yaml:"local_dir"`

	// S3Bucket is the bucket name for S3-compatible storage.
	S3Bucket string `yaml:"s3_bucket"`

	// S3Region is the AWS region.
	S3Region string `yaml:"s3_region"`

	// S3Endpoint overrides the endpoint for MinIO and other S3-compatibles.
	S3Endpoint string `yaml:"s3_endpoint"`

	// S3Prefix is an optional key prefix for all objects.
	S3Prefix string `yaml:"s3_prefix"`

	// S3AccessKeyID and S3SecretAccessKey override the default AWS chain.
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`

	// S3UsePathStyle forces path-style addressing, needed by MinIO.
	S3UsePathStyle bool `yaml:"s3_use_path_style"`
}

type LLMConfig struct {
	// DefaultProvider is used when a model does not name one.
	// Default: "anthropic".
	DefaultProvider string `yaml:"default_provider"`

	// Providers holds vendor credentials keyed by provider name:
	// anthropic, openai, google, bedrock.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	// Region applies to bedrock only.
	Region string `yaml:"region"`
}

type ChatConfig struct {
	// DefaultModel answers conversations that do not pick one.
	// Default: "claude-sonnet-4-5".
	DefaultModel string `yaml:"default_model"`

	// TitleModel generates conversation titles. Default: DefaultModel.
	TitleModel string `yaml:"title_model"`

	// SummaryModel runs compaction summaries. Default: DefaultModel.
	SummaryModel string `yaml:"summary_model"`

	// PlanningMinLength is the minimum message length, in runes, that the
	// plan node classifies at all. Default: 200.
	PlanningMinLength int `yaml:"planning_min_length"`

	// RecursionLimit caps graph node visits per request. Default: 25.
	RecursionLimit int `yaml:"recursion_limit"`

	// MaxToolRetries caps self-correction rounds after failed tool batches.
	// Default: 2.
	MaxToolRetries int `yaml:"max_tool_retries"`

	// CompactionThreshold is the message count that triggers compaction.
	// Default: 30.
	CompactionThreshold int `yaml:"compaction_threshold"`

	// KeepRecent is how many trailing messages compaction preserves.
	// Default: 10.
	KeepRecent int `yaml:"keep_recent"`

	// MaxSummaryWords bounds the compaction summary. Default: 500.
	MaxSummaryWords int `yaml:"max_summary_words"`

	// Placeholder enables the pre-stream empty assistant message.
	Placeholder bool `yaml:"placeholder"`

	// StreamQueueSize bounds the producer queue. Default: 256.
	StreamQueueSize int `yaml:"stream_queue_size"`

	// StreamCleanupTimeout bounds how long cleanup waits for the producer.
	// Default: 30s.
	StreamCleanupTimeout time.Duration `yaml:"stream_cleanup_timeout"`

	// StreamCleanupWaitDelay is the grace period before cleanup checks
	// whether the consumer already saved. Default: 2s.
	StreamCleanupWaitDelay time.Duration `yaml:"stream_cleanup_wait_delay"`
}

type SchedulerConfig struct {
	// Interval between evaluation ticks in loop mode. Default: 60s.
	Interval time.Duration `yaml:"interval"`

	// StaleAfter marks running executions failed past this age. Default: 1h.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type RetryConfig struct {
	// MaxRetries after the first attempt. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay before the first retry. Default: 1s.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps backoff growth. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay"`
}

type ToolBufferConfig struct {
	// TTL evicts undrained captures. Default: 1h.
	TTL time.Duration `yaml:"ttl"`

	// CleanupInterval is the janitor wake period. Default: 5m.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"web_search"`
	FetchURL  FetchURLConfig  `yaml:"fetch_url"`
}

type WebSearchConfig struct {
	// Provider selects the search backend. Default: "brave".
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// MaxResults per query. Default: 5.
	MaxResults int `yaml:"max_results"`
}

type FetchURLConfig struct {
	// Timeout per fetch. Default: 20s.
	Timeout time.Duration `yaml:"timeout"`
	// MaxBytes caps the response body. Default: 2MiB.
	MaxBytes int64 `yaml:"max_bytes"`
}

type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: "info".
	Level string `yaml:"level"`

	// Format: "json" or "text". Default: "json".
	Format string `yaml:"format"`

	// Output: "stdout" or "stderr". Default: "stdout".
	Output string `yaml:"output"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`

	// RedactPatterns are regexes whose matches are masked in log output.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// ObservabilityConfig configures tracing and other observability features.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "local"
	}
	if cfg.Blob.LocalDir == "" {
		cfg.Blob.LocalDir = "./data/blobs"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Chat.DefaultModel == "" {
		cfg.Chat.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.Chat.TitleModel == "" {
		cfg.Chat.TitleModel = cfg.Chat.DefaultModel
	}
	if cfg.Chat.SummaryModel == "" {
		cfg.Chat.SummaryModel = cfg.Chat.DefaultModel
	}
	if cfg.Chat.PlanningMinLength == 0 {
		cfg.Chat.PlanningMinLength = 200
	}
	if cfg.Chat.RecursionLimit == 0 {
		cfg.Chat.RecursionLimit = 25
	}
	if cfg.Chat.MaxToolRetries == 0 {
		cfg.Chat.MaxToolRetries = 2
	}
	if cfg.Chat.CompactionThreshold == 0 {
		cfg.Chat.CompactionThreshold = 30
	}
	if cfg.Chat.KeepRecent == 0 {
		cfg.Chat.KeepRecent = 10
	}
	if cfg.Chat.MaxSummaryWords == 0 {
		cfg.Chat.MaxSummaryWords = 500
	}
	if cfg.Chat.StreamQueueSize == 0 {
		cfg.Chat.StreamQueueSize = 256
	}
	if cfg.Chat.StreamCleanupTimeout == 0 {
		cfg.Chat.StreamCleanupTimeout = 30 * time.Second
	}
	if cfg.Chat.StreamCleanupWaitDelay == 0 {
		cfg.Chat.StreamCleanupWaitDelay = 2 * time.Second
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 60 * time.Second
	}
	if cfg.Scheduler.StaleAfter == 0 {
		cfg.Scheduler.StaleAfter = time.Hour
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.ToolBuffer.TTL == 0 {
		cfg.ToolBuffer.TTL = time.Hour
	}
	if cfg.ToolBuffer.CleanupInterval == 0 {
		cfg.ToolBuffer.CleanupInterval = 5 * time.Minute
	}
	if cfg.Tools.WebSearch.Provider == "" {
		cfg.Tools.WebSearch.Provider = "brave"
	}
	if cfg.Tools.WebSearch.MaxResults == 0 {
		cfg.Tools.WebSearch.MaxResults = 5
	}
	if cfg.Tools.FetchURL.Timeout == 0 {
		cfg.Tools.FetchURL.Timeout = 20 * time.Second
	}
	if cfg.Tools.FetchURL.MaxBytes == 0 {
		cfg.Tools.FetchURL.MaxBytes = 2 << 20
	}
	if cfg.Pricing.Models == nil {
		cfg.Pricing = usage.DefaultPriceTable()
	} else if cfg.Pricing.ImageUSD == 0 {
		cfg.Pricing.ImageUSD = usage.DefaultPriceTable().ImageUSD
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "braid"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Blob.Backend {
	case "memory", "local":
	case "s3":
		if strings.TrimSpace(c.Blob.S3Bucket) == "" {
			return fmt.Errorf("blob.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("blob.backend must be memory, local, or s3, got %q", c.Blob.Backend)
	}
	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required unless auth.disabled is set")
	}
	switch c.LLM.DefaultProvider {
	case "anthropic", "openai", "google", "bedrock":
	default:
		return fmt.Errorf("llm.default_provider must be one of anthropic, openai, google, bedrock, got %q", c.LLM.DefaultProvider)
	}
	if c.Observability.Tracing.Enabled && strings.TrimSpace(c.Observability.Tracing.Endpoint) == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}
