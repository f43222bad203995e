package vault_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/internal/logging"
	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/repo/memory"
	memorystorage "github.com/tendant/content-vault/pkg/vault/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransformer prefixes the input with the style id. Queued failures
// are returned, one per call, before it starts succeeding.
type fakeTransformer struct {
	mu       sync.Mutex
	calls    int
	styles   []string
	failures []error
}

func (f *fakeTransformer) Transform(ctx context.Context, req vault.TransformRequest) (*vault.TransformResult, error) {
	data, err := io.ReadAll(req.Data)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.styles = append(f.styles, req.Style.ID)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return &vault.TransformResult{
		Data:     append([]byte(req.Style.ID+":"), data...),
		MimeType: "video/mp4",
		FileName: "derived.mp4",
	}, nil
}

func (f *fakeTransformer) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeTransformer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type published struct {
	jobID    uuid.UUID
	data     []byte
	metadata map[string]string
}

type fakeSink struct {
	mu       sync.Mutex
	platform string
	posts    []published
	failures []error
}

func (s *fakeSink) Publish(ctx context.Context, req vault.PublishRequest) (*vault.PublishResult, error) {
	data, err := io.ReadAll(req.Data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	s.posts = append(s.posts, published{jobID: req.JobID, data: data, metadata: req.Metadata})
	return &vault.PublishResult{Token: fmt.Sprintf("%s-post-%d", s.platform, len(s.posts))}, nil
}

func (s *fakeSink) fail(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *fakeSink) posted() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.posts...)
}

type fixture struct {
	repo        *memory.Repository
	blobs       *memorystorage.Backend
	clock       *fakeClock
	transformer *fakeTransformer
	youtube     *fakeSink
	tiktok      *fakeSink
	*vault.Pipeline
}

// testRetry keeps attempt counts and delays small enough to walk
// through by hand.
var testRetry = vault.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}

func newFixture(t *testing.T, options ...vault.Option) *fixture {
	t.Helper()

	f := &fixture{
		repo:        memory.New(),
		blobs:       memorystorage.New(),
		clock:       newFakeClock(),
		transformer: &fakeTransformer{},
		youtube:     &fakeSink{platform: "youtube"},
		tiktok:      &fakeSink{platform: "tiktok"},
	}
	base := []vault.Option{
		vault.WithLogger(logging.Discard()),
		vault.WithClock(f.clock.Now),
		vault.WithBlobStore("memory", f.blobs),
		vault.WithRetryPolicy(testRetry),
		vault.WithLeaseTimeout(10 * time.Minute),
		vault.WithSink("youtube", f.youtube),
		vault.WithSink("tiktok", f.tiktok),
	}

	p, err := vault.NewPipeline(f.repo, f.transformer, append(base, options...)...)
	require.NoError(t, err)
	_, err = p.Styles.LoadPresets(context.Background())
	require.NoError(t, err)
	f.Pipeline = p
	return f
}

func (f *fixture) putRaw(t *testing.T, ownerID uuid.UUID, content string) *vault.Asset {
	t.Helper()
	asset, err := f.Assets.Put(context.Background(), bytes.NewBufferString(content), vault.PutRequest{
		Kind:     vault.AssetKindRaw,
		OwnerID:  ownerID,
		MimeType: "video/mp4",
		FileName: "take1.mp4",
	})
	require.NoError(t, err)
	return asset
}

// derive runs one transform job to completion and returns its output.
func (f *fixture) derive(t *testing.T, raw *vault.Asset, styleID string) *vault.Asset {
	t.Helper()
	ctx := context.Background()

	job, err := f.Orchestrator.SubmitTransform(ctx, vault.SubmitTransformRequest{RawAssetID: raw.ID, StyleID: styleID})
	require.NoError(t, err)
	processed, err := f.Orchestrator.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	done, err := f.Ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, vault.JobStateSucceeded, done.State)

	derived, err := f.Assets.Stat(ctx, uuid.MustParse(done.OutputRef))
	require.NoError(t, err)
	return derived
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *vault.Job {
	t.Helper()
	job, err := f.Ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}
