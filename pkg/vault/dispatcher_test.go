package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/internal/logging"
	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/repo/memory"
	memorystorage "github.com/tendant/content-vault/pkg/vault/storage/memory"
)

// planFor derives an asset and schedules it on the given platforms, one
// entry per offset from now.
func planFor(t *testing.T, f *fixture, entries map[string]time.Duration) *vault.PlanView {
	t.Helper()
	owner := uuid.New()
	derived := f.derive(t, f.putRaw(t, owner, "take"), "studio@v1")

	var planEntries []vault.PlanEntry
	for platform, offset := range entries {
		planEntries = append(planEntries, vault.PlanEntry{
			Platform:    platform,
			ScheduledAt: f.clock.Now().Add(offset),
			Metadata:    map[string]string{"title": "Live at the Roxy"},
		})
	}
	view, err := f.Planner.CreatePlan(context.Background(), owner, derived.ID, planEntries)
	require.NoError(t, err)
	return view
}

func TestDispatcherProcessNext(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes when the schedule comes due", func(t *testing.T) {
		f := newFixture(t)
		view := planFor(t, f, map[string]time.Duration{"youtube": time.Hour})

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, processed)
		assert.Empty(t, f.youtube.posted())

		f.clock.Advance(time.Hour)
		processed, err = f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)

		done := f.job(t, view.Jobs[0].ID)
		assert.Equal(t, vault.JobStateSucceeded, done.State)
		assert.Equal(t, "youtube-post-1", done.OutputRef)

		posts := f.youtube.posted()
		require.Len(t, posts, 1)
		assert.Equal(t, done.ID, posts[0].jobID)
		assert.Equal(t, "studio@v1:take", string(posts[0].data))
		assert.Equal(t, "Live at the Roxy", posts[0].metadata["title"])
	})

	t.Run("sink failures are retried", func(t *testing.T) {
		f := newFixture(t)
		f.tiktok.fail(vault.Transient("sink:tiktok", errors.New("429 too many requests")))
		view := planFor(t, f, map[string]time.Duration{"tiktok": 0})

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		retry := f.job(t, view.Jobs[0].ID)
		assert.Equal(t, vault.JobStatePending, retry.State)
		assert.Contains(t, retry.LastError, "sink:tiktok")

		f.clock.Advance(time.Minute)
		processed, err = f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		assert.Equal(t, vault.JobStateSucceeded, f.job(t, view.Jobs[0].ID).State)
		assert.Len(t, f.tiktok.posted(), 1)
	})

	t.Run("two transient failures then success", func(t *testing.T) {
		f := newFixture(t)
		f.youtube.fail(
			vault.Transient("sink:youtube", errors.New("503 service unavailable")),
			vault.Transient("sink:youtube", errors.New("connection reset by peer")),
		)
		view := planFor(t, f, map[string]time.Duration{"youtube": 10 * time.Minute})
		id := view.Jobs[0].ID

		f.clock.Advance(10 * time.Minute)
		for i, backoff := range []time.Duration{time.Minute, 2 * time.Minute} {
			processed, err := f.Dispatcher.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, processed)

			retry := f.job(t, id)
			require.Equal(t, vault.JobStatePending, retry.State, "after failure %d", i+1)
			assert.Equal(t, i+1, retry.AttemptCount)
			assert.True(t, retry.NextAttemptAt.Equal(f.clock.Now().Add(backoff)))

			processed, err = f.Dispatcher.ProcessNext(ctx)
			require.NoError(t, err)
			assert.False(t, processed, "retry is not due before its backoff")
			f.clock.Advance(backoff)
		}

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		done := f.job(t, id)
		assert.Equal(t, vault.JobStateSucceeded, done.State)
		assert.Equal(t, 3, done.AttemptCount)
		assert.Equal(t, "youtube-post-1", done.OutputRef)
		assert.Len(t, f.youtube.posted(), 1)
	})

	t.Run("platform without a sink", func(t *testing.T) {
		f := newFixture(t)
		view := planFor(t, f, map[string]time.Duration{"myspace": 0})

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		done := f.job(t, view.Jobs[0].ID)
		assert.Equal(t, vault.JobStateExhausted, done.State)
		assert.True(t, done.PermanentFailure)
		assert.Contains(t, done.LastError, `no sink configured for platform "myspace"`)
	})

	t.Run("default sink takes other platforms", func(t *testing.T) {
		fallback := &fakeSink{platform: "default"}
		f := newFixture(t, vault.WithDefaultSink(fallback))
		view := planFor(t, f, map[string]time.Duration{"myspace": 0})

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		assert.Equal(t, "default-post-1", f.job(t, view.Jobs[0].ID).OutputRef)
	})

	t.Run("throttled platforms wait", func(t *testing.T) {
		limiter := &stubLimiter{deny: map[string]bool{"youtube": true}}
		f := newFixture(t, vault.WithRateLimiter(limiter))
		view := planFor(t, f, map[string]time.Duration{"youtube": 0, "tiktok": time.Minute})

		f.clock.Advance(time.Minute)
		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		assert.Len(t, f.tiktok.posted(), 1)

		processed, err = f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, processed)

		var throttled *vault.Job
		for _, job := range view.Jobs {
			if job.Platform == "youtube" {
				throttled = f.job(t, job.ID)
			}
		}
		require.NotNil(t, throttled)
		assert.Equal(t, vault.JobStatePending, throttled.State)
		assert.Zero(t, throttled.AttemptCount)

		limiter.allow("youtube")
		processed, err = f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Len(t, f.youtube.posted(), 1)
	})

	t.Run("losing the claim hands back the rate limit slot", func(t *testing.T) {
		limiter := &stubLimiter{}
		f := newFixture(t, vault.WithRateLimiter(limiter))
		view := planFor(t, f, map[string]time.Duration{"youtube": 0})

		// Another worker claims the job between admission and our claim.
		var rival *vault.Job
		limiter.onAllow = func() {
			var err error
			rival, err = f.Ledger.Claim(ctx, view.Jobs[0])
			assert.NoError(t, err)
		}

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, processed)
		require.NotNil(t, rival)

		allowed, released := limiter.calls()
		assert.Equal(t, []string{"youtube"}, allowed)
		assert.Equal(t, []string{"youtube"}, released)
		assert.Empty(t, f.youtube.posted())
		assert.Equal(t, vault.JobStateRunning, f.job(t, view.Jobs[0].ID).State)
	})

	t.Run("published jobs keep their slot", func(t *testing.T) {
		limiter := &stubLimiter{}
		f := newFixture(t, vault.WithRateLimiter(limiter))
		planFor(t, f, map[string]time.Duration{"tiktok": 0})

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		allowed, released := limiter.calls()
		assert.Equal(t, []string{"tiktok"}, allowed)
		assert.Empty(t, released)
	})

	t.Run("limiter outage does not block publishing", func(t *testing.T) {
		limiter := &stubLimiter{err: errors.New("redis: connection refused")}
		f := newFixture(t, vault.WithRateLimiter(limiter))
		planFor(t, f, map[string]time.Duration{"youtube": 0})

		processed, err := f.Dispatcher.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Len(t, f.youtube.posted(), 1)
	})

	t.Run("no sinks configured", func(t *testing.T) {
		repo := memory.New()
		p, err := vault.NewPipeline(repo, nil,
			vault.WithLogger(logging.Discard()),
			vault.WithBlobStore("memory", memorystorage.New()))
		require.NoError(t, err)

		_, err = p.Dispatcher.ProcessNext(ctx)
		assert.Error(t, err)
		assert.Error(t, p.Dispatcher.Run(ctx))
		assert.Empty(t, p.Dispatcher.Platforms())
	})
}

func TestDispatcherPlatforms(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"tiktok", "youtube"}, f.Dispatcher.Platforms())
}

type stubLimiter struct {
	mu       sync.Mutex
	deny     map[string]bool
	err      error
	allowed  []string
	released []string
	// onAllow runs once, after the next admitted Allow.
	onAllow func()
}

func (l *stubLimiter) Allow(ctx context.Context, platform string) (bool, error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return false, l.err
	}
	ok := !l.deny[platform]
	hook := l.onAllow
	if ok {
		l.allowed = append(l.allowed, platform)
		l.onAllow = nil
	} else {
		hook = nil
	}
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ok, nil
}

func (l *stubLimiter) Release(ctx context.Context, platform string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, platform)
	return nil
}

func (l *stubLimiter) calls() (allowed, released []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.allowed...), append([]string(nil), l.released...)
}

func (l *stubLimiter) allow(platform string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.deny, platform)
}
