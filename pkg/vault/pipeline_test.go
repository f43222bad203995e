package vault_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/pkg/vault"
)

func TestPipelineUploadToPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	artist := uuid.New()

	raw, err := f.Assets.Put(ctx, strings.NewReader("rehearsal footage"), vault.PutRequest{
		Kind:     vault.AssetKindRaw,
		OwnerID:  artist,
		MimeType: "video/mp4",
		FileName: "rehearsal.mp4",
	})
	require.NoError(t, err)

	style, err := f.Styles.Derive(ctx, "live@v1", map[string]string{"color_grade": "neon"})
	require.NoError(t, err)
	job, err := f.Orchestrator.SubmitTransform(ctx, vault.SubmitTransformRequest{RawAssetID: raw.ID, StyleID: style.ID})
	require.NoError(t, err)

	processed, err := f.Orchestrator.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	transformed := f.job(t, job.ID)
	require.Equal(t, vault.JobStateSucceeded, transformed.State)
	assert.Equal(t, []string{style.ID}, f.transformer.styles)

	derivedID := uuid.MustParse(transformed.OutputRef)
	lineage, err := f.Assets.ListDerived(ctx, raw.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 1)
	assert.Equal(t, derivedID, lineage[0].ID)
	assert.Equal(t, style.ID, lineage[0].StyleID)

	start := f.clock.Now()
	view, err := f.Planner.CreatePlan(ctx, artist, derivedID, []vault.PlanEntry{
		{Platform: "youtube", ScheduledAt: start.Add(30 * time.Minute)},
		{Platform: "tiktok", ScheduledAt: start.Add(90 * time.Minute)},
	})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	processed, err = f.Dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	processed, err = f.Dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, processed, "tiktok is not due yet")

	f.clock.Advance(time.Hour)
	processed, err = f.Dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	plan, err := f.Planner.GetPlan(ctx, view.Plan.ID)
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 2)
	assert.Equal(t, vault.JobStateSucceeded, plan.Jobs[0].State)
	assert.Equal(t, "youtube-post-1", plan.Jobs[0].OutputRef)
	assert.Equal(t, vault.JobStateSucceeded, plan.Jobs[1].State)
	assert.Equal(t, "tiktok-post-1", plan.Jobs[1].OutputRef)

	want := style.ID + ":rehearsal footage"
	assert.Equal(t, want, string(f.youtube.posted()[0].data))
	assert.Equal(t, want, string(f.tiktok.posted()[0].data))
}

func TestPipelineResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := uuid.New()
	derived := f.derive(t, f.putRaw(t, owner, "take"), "daily@v1")

	view, err := f.Planner.CreatePlan(ctx, owner, derived.ID, []vault.PlanEntry{
		{Platform: "youtube", ScheduledAt: f.clock.Now()},
	})
	require.NoError(t, err)

	// A dispatcher claims the job and dies before publishing.
	_, err = f.Ledger.Claim(ctx, view.Jobs[0])
	require.NoError(t, err)
	processed, err := f.Dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	f.clock.Advance(11 * time.Minute)
	swept, err := f.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{view.Jobs[0].ID}, swept.Reclaimed)

	f.clock.Advance(time.Minute)
	processed, err = f.Dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	done := f.job(t, view.Jobs[0].ID)
	assert.Equal(t, vault.JobStateSucceeded, done.State)
	assert.Equal(t, 2, done.AttemptCount)
	assert.Len(t, f.youtube.posted(), 1)
}

func TestPipelineWorkersShareLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := uuid.New()
	derived := f.derive(t, f.putRaw(t, owner, "take"), "studio@v1")

	entries := make([]vault.PlanEntry, 20)
	for i := range entries {
		entries[i] = vault.PlanEntry{Platform: "youtube", ScheduledAt: f.clock.Now()}
	}
	view, err := f.Planner.CreatePlan(ctx, owner, derived.ID, entries)
	require.NoError(t, err)

	errs := make(chan error, 4)
	for range 4 {
		go func() {
			for {
				processed, err := f.Dispatcher.ProcessNext(ctx)
				if err != nil || !processed {
					errs <- err
					return
				}
			}
		}()
	}
	for range 4 {
		require.NoError(t, <-errs)
	}

	posts := f.youtube.posted()
	assert.Len(t, posts, len(entries))
	seen := make(map[uuid.UUID]bool)
	for _, post := range posts {
		assert.False(t, seen[post.jobID], "job %s published twice", post.jobID)
		seen[post.jobID] = true
	}
	for _, job := range view.Jobs {
		current := f.job(t, job.ID)
		assert.Equal(t, vault.JobStateSucceeded, current.State)
		assert.Equal(t, 1, current.AttemptCount)
	}
}
