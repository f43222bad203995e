// Package config loads vault settings and wires a runnable pipeline
// from them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendant/content-vault/pkg/vault"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Port:                "8080",
		Environment:         "development",
		LogLevel:            "info",
		LogFormat:           "text",
		DatabaseURL:         "memory",
		StorageURL:          "memory://",
		AutoMigrate:         true,
		TransformTimeout:    10 * time.Minute,
		SinkTimeout:         5 * time.Minute,
		MaxAttempts:         vault.DefaultRetryPolicy.MaxAttempts,
		RetryBaseDelay:      vault.DefaultRetryPolicy.BaseDelay,
		RetryMaxDelay:       vault.DefaultRetryPolicy.MaxDelay,
		LeaseTimeout:        15 * time.Minute,
		PollInterval:        5 * time.Second,
		ScheduleGrace:       time.Minute,
		BatchSize:           100,
		OrchestratorWorkers: 2,
		DispatcherWorkers:   2,
		AllowedMimeTypes: []string{
			"video/mp4",
			"video/quicktime",
			"video/x-msvideo",
			"audio/mpeg",
			"audio/wav",
		},
		PlatformRateWindow: time.Minute,
		EnableEventLogging: true,
	}
}

// Config holds every setting of a vault process. Fields are read from
// the environment by WithEnv and from a TOML, YAML or JSON file by
// WithFile.
type Config struct {
	Port        string `env:"PORT" toml:"port"`
	Environment string `env:"ENVIRONMENT" toml:"environment"` // development, production, testing
	LogLevel    string `env:"LOG_LEVEL" toml:"log_level"`
	LogFormat   string `env:"LOG_FORMAT" toml:"log_format"` // text or json

	// DatabaseURL selects the repository: memory, postgres://..., sqlite:///path
	DatabaseURL string `env:"DATABASE_URL" toml:"database_url"`
	DBSchema    string `env:"DB_SCHEMA" toml:"db_schema"` // Postgres search_path
	AutoMigrate bool   `env:"AUTO_MIGRATE" toml:"auto_migrate"`

	// StorageURL selects the blob store: memory://, file:///dir,
	// s3://bucket?region=..., minio://host:port/bucket?secure=false
	StorageURL         string `env:"STORAGE_URL" toml:"storage_url"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" toml:"aws_access_key_id"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" toml:"aws_secret_access_key"`
	AWSRegion          string `env:"AWS_REGION" toml:"aws_region"`

	TransformURL     string        `env:"TRANSFORM_URL" toml:"transform_url"`
	TransformAPIKey  string        `env:"TRANSFORM_API_KEY" toml:"transform_api_key"`
	TransformTimeout time.Duration `env:"TRANSFORM_TIMEOUT" toml:"transform_timeout"`

	// SinkURLs is "platform=url,platform=url".
	SinkURLs    string        `env:"SINK_URLS" toml:"sink_urls"`
	SinkAPIKey  string        `env:"SINK_API_KEY" toml:"sink_api_key"`
	SinkTimeout time.Duration `env:"SINK_TIMEOUT" toml:"sink_timeout"`

	MaxAttempts    int           `env:"MAX_ATTEMPTS" toml:"max_attempts"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" toml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" toml:"retry_max_delay"`
	LeaseTimeout   time.Duration `env:"LEASE_TIMEOUT" toml:"lease_timeout"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" toml:"poll_interval"`
	ScheduleGrace  time.Duration `env:"SCHEDULE_GRACE" toml:"schedule_grace"`
	BatchSize      int           `env:"BATCH_SIZE" toml:"batch_size"`

	OrchestratorWorkers int `env:"ORCHESTRATOR_WORKERS" toml:"orchestrator_workers"`
	DispatcherWorkers   int `env:"DISPATCHER_WORKERS" toml:"dispatcher_workers"`

	AllowedMimeTypes []string `env:"ALLOWED_MIME_TYPES" env-separator:"," toml:"allowed_mime_types"`
	StyleCatalog     string   `env:"STYLE_CATALOG" toml:"style_catalog"` // extra TOML style file

	RedisURL           string         `env:"REDIS_URL" toml:"redis_url"`
	PlatformRateLimit  int            `env:"PLATFORM_RATE_LIMIT" toml:"platform_rate_limit"`
	PlatformRateLimits map[string]int `env:"PLATFORM_RATE_LIMITS" env-separator:"," toml:"platform_rate_limits"`
	PlatformRateWindow time.Duration  `env:"PLATFORM_RATE_WINDOW" toml:"platform_rate_window"`

	APIKeySHA256       string `env:"API_KEY_SHA256" toml:"api_key_sha256"`
	EnableEventLogging bool   `env:"ENABLE_EVENT_LOGGING" toml:"enable_event_logging"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if _, err := parseDatabaseURL(c.DatabaseURL); err != nil {
		return err
	}
	if _, err := parseStorageURL(c.StorageURL); err != nil {
		return err
	}
	if _, err := c.sinkTargets(); err != nil {
		return err
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base (%s) <= max (%s)", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.LeaseTimeout <= 0 {
		return errors.New("lease_timeout must be positive")
	}
	if c.TransformTimeout <= 0 || c.SinkTimeout <= 0 {
		return errors.New("transform_timeout and sink_timeout must be positive")
	}
	if c.LeaseTimeout <= c.callTimeout() {
		return fmt.Errorf("lease_timeout (%s) must exceed the longest call timeout (%s)", c.LeaseTimeout, c.callTimeout())
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.ScheduleGrace < 0 {
		return errors.New("schedule_grace cannot be negative")
	}
	if c.OrchestratorWorkers < 0 || c.DispatcherWorkers < 0 {
		return errors.New("worker counts cannot be negative")
	}
	return nil
}

// RetryPolicy returns the job retry policy described by the configuration.
func (c *Config) RetryPolicy() vault.RetryPolicy {
	return vault.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *Config) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithDatabaseURL selects the repository
func WithDatabaseURL(url string) Option {
	return func(c *Config) error {
		if _, err := parseDatabaseURL(url); err != nil {
			return err
		}
		c.DatabaseURL = url
		return nil
	}
}

// WithStorageURL selects the blob store
func WithStorageURL(url string) Option {
	return func(c *Config) error {
		if _, err := parseStorageURL(url); err != nil {
			return err
		}
		c.StorageURL = url
		return nil
	}
}

// WithTransformURL sets the transformation service endpoint
func WithTransformURL(url string) Option {
	return func(c *Config) error {
		c.TransformURL = url
		return nil
	}
}

// WithSinkURLs sets the platform webhook targets
func WithSinkURLs(targets string) Option {
	return func(c *Config) error {
		c.SinkURLs = targets
		return nil
	}
}

// WithRetry sets the retry ceiling and backoff bounds
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) error {
		c.MaxAttempts = maxAttempts
		c.RetryBaseDelay = baseDelay
		c.RetryMaxDelay = maxDelay
		return nil
	}
}

// WithWorkers sets the number of orchestrator and dispatcher loops
func WithWorkers(orchestrators, dispatchers int) Option {
	return func(c *Config) error {
		if orchestrators < 0 || dispatchers < 0 {
			return fmt.Errorf("worker counts cannot be negative")
		}
		c.OrchestratorWorkers = orchestrators
		c.DispatcherWorkers = dispatchers
		return nil
	}
}
