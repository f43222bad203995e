// Package ratelimit provides per-platform publish throttles for the
// dispatcher.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/content-vault/pkg/vault"
)

// Limits is the number of publishes allowed per window for each platform.
// Platforms without an entry use the default limit; a limit of zero or
// less means unlimited.
type Limits struct {
	Default   int
	Platforms map[string]int
	Window    time.Duration
}

func (l Limits) limitFor(platform string) int {
	if n, ok := l.Platforms[platform]; ok {
		return n
	}
	return l.Default
}

func (l Limits) window() time.Duration {
	if l.Window <= 0 {
		return time.Minute
	}
	return l.Window
}

// Redis is a fixed-window limiter shared by every dispatcher pointing at
// the same Redis instance.
type Redis struct {
	client redis.Cmdable
	prefix string
	limits Limits
	clock  vault.Clock
}

// NewRedis creates a Redis backed limiter
func NewRedis(client redis.Cmdable, prefix string, limits Limits) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "vault:ratelimit"
	}
	return &Redis{client: client, prefix: prefix, limits: limits, clock: time.Now}, nil
}

// Dial connects to redisURL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis %s failed: %w", opts.Addr, err)
	}
	return client, nil
}

func (r *Redis) key(platform string) string {
	bucket := r.clock().UnixNano() / int64(r.limits.window())
	return fmt.Sprintf("%s:%s:%d", r.prefix, platform, bucket)
}

// Allow counts one publish attempt against the current window.
func (r *Redis) Allow(ctx context.Context, platform string) (bool, error) {
	limit := r.limits.limitFor(platform)
	if limit <= 0 {
		return true, nil
	}
	window := r.limits.window()
	key := r.key(platform)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: count %s: %w", platform, err)
	}
	return incr.Val() <= int64(limit), nil
}

// releaseScript decrements a window counter that still exists and is
// positive, so a release never creates a key or goes below zero.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// Release gives back one slot in the current window.
func (r *Redis) Release(ctx context.Context, platform string) error {
	if r.limits.limitFor(platform) <= 0 {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.key(platform)}).Err(); err != nil {
		return fmt.Errorf("ratelimit: release %s: %w", platform, err)
	}
	return nil
}

// Memory is a fixed-window limiter local to one process.
type Memory struct {
	mu      sync.Mutex
	limits  Limits
	clock   vault.Clock
	buckets map[string]int64
	counts  map[string]int
}

// NewMemory creates an in-process limiter. clock may be nil.
func NewMemory(limits Limits, clock vault.Clock) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		limits:  limits,
		clock:   clock,
		buckets: make(map[string]int64),
		counts:  make(map[string]int),
	}
}

// Allow counts one publish attempt against the current window.
func (m *Memory) Allow(_ context.Context, platform string) (bool, error) {
	limit := m.limits.limitFor(platform)
	if limit <= 0 {
		return true, nil
	}
	bucket := m.clock().UnixNano() / int64(m.limits.window())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[platform] != bucket {
		m.buckets[platform] = bucket
		m.counts[platform] = 0
	}
	if m.counts[platform] >= limit {
		return false, nil
	}
	m.counts[platform]++
	return true, nil
}

// Release gives back one slot in the current window. A slot taken in a
// window that has since closed is not carried over.
func (m *Memory) Release(_ context.Context, platform string) error {
	bucket := m.clock().UnixNano() / int64(m.limits.window())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[platform] == bucket && m.counts[platform] > 0 {
		m.counts[platform]--
	}
	return nil
}

var (
	_ vault.RateLimiter = (*Redis)(nil)
	_ vault.RateLimiter = (*Memory)(nil)
)
