package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/ratelimit"
	"github.com/tendant/content-vault/pkg/vault/repo/memory"
	repopg "github.com/tendant/content-vault/pkg/vault/repo/postgres"
	reposqlite "github.com/tendant/content-vault/pkg/vault/repo/sqlite"
	"github.com/tendant/content-vault/pkg/vault/sink"
	fsstorage "github.com/tendant/content-vault/pkg/vault/storage/fs"
	memorystorage "github.com/tendant/content-vault/pkg/vault/storage/memory"
	miniostorage "github.com/tendant/content-vault/pkg/vault/storage/minio"
	s3storage "github.com/tendant/content-vault/pkg/vault/storage/s3"
	"github.com/tendant/content-vault/pkg/vault/transform"
)

// Runtime is a pipeline together with the resources backing it.
type Runtime struct {
	*vault.Pipeline
	Config *Config

	closers []func() error
}

// Close releases database pools and client connections.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// BuildPipeline wires the repository, blob store, style catalog,
// transformation client, platform sinks and rate limiter described by
// the configuration.
func (c *Config) BuildPipeline(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: c}

	repo, err := c.buildRepository(ctx, rt)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}

	options, err := c.pipelineOptions(ctx, rt, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	var transformer vault.Transformer
	if c.TransformURL != "" {
		client, err := transform.New(transform.Config{
			BaseURL:    c.TransformURL,
			APIKey:     c.TransformAPIKey,
			HTTPClient: &http.Client{Timeout: c.TransformTimeout},
		})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to build transformation client: %w", err)
		}
		transformer = client
	}

	pipeline, err := vault.NewPipeline(repo, transformer, options...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Pipeline = pipeline

	if _, err := pipeline.Styles.LoadPresets(ctx); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to load style presets: %w", err)
	}
	if c.StyleCatalog != "" {
		if _, err := pipeline.Styles.LoadFile(ctx, c.StyleCatalog); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to load style catalog: %w", err)
		}
	}

	return rt, nil
}

func (c *Config) pipelineOptions(ctx context.Context, rt *Runtime, logger *slog.Logger) ([]vault.Option, error) {
	options := []vault.Option{
		vault.WithLogger(logger),
		vault.WithRetryPolicy(c.RetryPolicy()),
		vault.WithLeaseTimeout(c.LeaseTimeout),
		vault.WithCallTimeout(c.callTimeout()),
		vault.WithPollInterval(c.PollInterval),
		vault.WithScheduleGrace(c.ScheduleGrace),
		vault.WithBatchSize(c.BatchSize),
		vault.WithAllowedMimeTypes(c.AllowedMimeTypes...),
	}
	if c.EnableEventLogging {
		options = append(options, vault.WithEventSink(vault.NewLogEventSink(logger)))
	}

	storageTarget, err := parseStorageURL(c.StorageURL)
	if err != nil {
		return nil, err
	}
	store, err := c.buildStorageBackend(ctx, storageTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to build storage backend %s: %w", storageTarget.Type, err)
	}
	options = append(options, vault.WithBlobStore(storageTarget.Type, store))

	targets, err := c.sinkTargets()
	if err != nil {
		return nil, err
	}
	for _, target := range targets {
		target.APIKey = c.SinkAPIKey
		target.HTTPClient = &http.Client{Timeout: c.SinkTimeout}
		webhook, err := sink.NewWebhook(target)
		if err != nil {
			return nil, err
		}
		options = append(options, vault.WithSink(target.Platform, webhook))
	}

	limiter, err := c.buildRateLimiter(ctx, rt)
	if err != nil {
		return nil, err
	}
	if limiter != nil {
		options = append(options, vault.WithRateLimiter(limiter))
	}

	return options, nil
}

// buildRepository creates a Repository based on the configuration
func (c *Config) buildRepository(ctx context.Context, rt *Runtime) (vault.Repository, error) {
	target, err := parseDatabaseURL(c.DatabaseURL)
	if err != nil {
		return nil, err
	}

	switch target.Type {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pool, err := NewPool(ctx, target.DSN, c.DBSchema)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		repo := repopg.NewWithPool(pool)
		if c.AutoMigrate {
			if c.DBSchema != "" {
				if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{c.DBSchema}.Sanitize()); err != nil {
					return nil, fmt.Errorf("failed to create schema %s: %w", c.DBSchema, err)
				}
			}
			if err := repo.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return repo, nil
	case "sqlite":
		repo, err := reposqlite.Open(ctx, target.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", target.Type)
	}
}

// NewPool opens a pgx pool whose sessions use schema as search_path.
func NewPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// buildStorageBackend creates a BlobStore based on the storage selector
func (c *Config) buildStorageBackend(ctx context.Context, target storageTarget) (vault.BlobStore, error) {
	switch target.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		return fsstorage.New(fsstorage.Config{
			BaseDir:   target.Path,
			URLPrefix: target.queryString("url_prefix", ""),
		})

	case "s3":
		region := target.queryString("region", c.AWSRegion)
		return s3storage.New(ctx, s3storage.Config{
			Region:                 region,
			Bucket:                 target.Bucket,
			AccessKeyID:            c.AWSAccessKeyID,
			SecretAccessKey:        c.AWSSecretAccessKey,
			Endpoint:               target.queryString("endpoint", ""),
			UsePathStyle:           target.queryBool("path_style", target.queryString("endpoint", "") != ""),
			PresignDuration:        int(target.queryDuration("presign", time.Hour) / time.Second),
			EnableSSE:              target.queryString("sse", "") != "",
			SSEAlgorithm:           target.queryString("sse", ""),
			SSEKMSKeyID:            target.queryString("kms_key_id", ""),
			CreateBucketIfNotExist: target.queryBool("create_bucket", false),
		})

	case "minio":
		return miniostorage.New(ctx, miniostorage.Config{
			Endpoint:               target.Host,
			AccessKeyID:            c.AWSAccessKeyID,
			SecretAccessKey:        c.AWSSecretAccessKey,
			Bucket:                 target.Bucket,
			UseSSL:                 target.queryBool("secure", true),
			Region:                 target.queryString("region", c.AWSRegion),
			PresignDuration:        target.queryDuration("presign", time.Hour),
			CreateBucketIfNotExist: target.queryBool("create_bucket", false),
		})

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", target.Type)
	}
}

func (c *Config) callTimeout() time.Duration {
	return max(c.TransformTimeout, c.SinkTimeout)
}

func (c *Config) buildRateLimiter(ctx context.Context, rt *Runtime) (vault.RateLimiter, error) {
	limits := ratelimit.Limits{
		Default:   c.PlatformRateLimit,
		Platforms: c.PlatformRateLimits,
		Window:    c.PlatformRateWindow,
	}
	limited := c.PlatformRateLimit > 0 || len(c.PlatformRateLimits) > 0
	if !limited {
		return nil, nil
	}
	if c.RedisURL == "" {
		return ratelimit.NewMemory(limits, nil), nil
	}
	client, err := ratelimit.Dial(ctx, c.RedisURL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, client.Close)
	return ratelimit.NewRedis(client, "", limits)
}
