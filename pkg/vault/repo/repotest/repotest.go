// Package repotest checks a vault.Repository implementation against the
// behaviour the vault components rely on. Each backend's tests call Run
// with a constructor for an empty repository.
package repotest

import (
	"bytes"
	"context"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/pkg/vault"
)

// base is whole seconds so every backend stores it exactly.
var base = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)

// Run exercises every repository operation. newRepo must return a
// fresh, empty repository on each call.
func Run(t *testing.T, newRepo func(t *testing.T) vault.Repository) {
	t.Run("Assets", func(t *testing.T) { testAssets(t, newRepo(t)) })
	t.Run("Styles", func(t *testing.T) { testStyles(t, newRepo(t)) })
	t.Run("JobTransitions", func(t *testing.T) { testJobTransitions(t, newRepo(t)) })
	t.Run("ListDueJobs", func(t *testing.T) { testListDue(t, newRepo(t)) })
	t.Run("ListStaleJobs", func(t *testing.T) { testListStale(t, newRepo(t)) })
	t.Run("Plans", func(t *testing.T) { testPlans(t, newRepo(t)) })
}

func newAsset(kind vault.AssetKind, owner uuid.UUID) *vault.Asset {
	id := uuid.New()
	return &vault.Asset{
		ID:          id,
		Kind:        kind,
		OwnerID:     owner,
		StorageName: "memory",
		ObjectKey:   "objects/" + id.String(),
		MimeType:    "video/mp4",
		FileName:    "clip.mp4",
		ContentHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		SizeBytes:   4,
		CreatedAt:   base,
	}
}

func newJob(kind vault.JobKind, next time.Time) *vault.Job {
	id, _ := uuid.NewV7()
	job := &vault.Job{
		ID:            id,
		Kind:          kind,
		State:         vault.JobStatePending,
		OwnerID:       uuid.New(),
		SourceAssetID: uuid.New(),
		ScheduledAt:   next,
		NextAttemptAt: next,
		MaxAttempts:   3,
		Version:       1,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	if kind == vault.JobKindTransform {
		job.StyleID = "studio@v1"
	} else {
		job.Platform = "youtube"
		job.Metadata = map[string]string{"title": "Encore"}
	}
	return job
}

func createStyle(t *testing.T, repo vault.Repository, id string) {
	t.Helper()
	require.NoError(t, repo.CreateStyle(context.Background(), &vault.StyleDescriptor{
		ID:         id,
		Name:       id[:len(id)-3],
		Version:    1,
		Parameters: map[string]string{"color_grade": "warm"},
		CreatedAt:  base,
	}))
}

func testAssets(t *testing.T, repo vault.Repository) {
	ctx := context.Background()
	owner := uuid.New()
	createStyle(t, repo, "studio@v1")
	createStyle(t, repo, "daily@v1")

	raw := newAsset(vault.AssetKindRaw, owner)
	require.NoError(t, repo.CreateAsset(ctx, raw))
	assert.ErrorIs(t, repo.CreateAsset(ctx, raw), vault.ErrConflictingState)

	got, err := repo.GetAsset(ctx, raw.ID)
	require.NoError(t, err)
	assert.Equal(t, raw.ID, got.ID)
	assert.Equal(t, vault.AssetKindRaw, got.Kind)
	assert.Equal(t, owner, got.OwnerID)
	assert.Equal(t, raw.ObjectKey, got.ObjectKey)
	assert.Equal(t, raw.ContentHash, got.ContentHash)
	assert.Equal(t, raw.SizeBytes, got.SizeBytes)
	assert.Equal(t, "clip.mp4", got.FileName)
	assert.Nil(t, got.SourceAssetID)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = repo.GetAsset(ctx, uuid.New())
	assert.ErrorIs(t, err, vault.ErrNotFound)

	other := newAsset(vault.AssetKindRaw, owner)
	require.NoError(t, repo.CreateAsset(ctx, other))
	derived := newAsset(vault.AssetKindDerived, owner)
	require.NoError(t, repo.CreateAsset(ctx, derived))

	require.NoError(t, repo.LinkAsset(ctx, derived.ID, raw.ID, "studio@v1"))
	require.NoError(t, repo.LinkAsset(ctx, derived.ID, raw.ID, "studio@v1"))
	assert.ErrorIs(t, repo.LinkAsset(ctx, derived.ID, other.ID, "studio@v1"), vault.ErrConflictingState)
	assert.ErrorIs(t, repo.LinkAsset(ctx, derived.ID, raw.ID, "daily@v1"), vault.ErrConflictingState)
	assert.ErrorIs(t, repo.LinkAsset(ctx, uuid.New(), raw.ID, "studio@v1"), vault.ErrNotFound)

	got, err = repo.GetAsset(ctx, derived.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SourceAssetID)
	assert.Equal(t, raw.ID, *got.SourceAssetID)
	assert.Equal(t, "studio@v1", got.StyleID)

	lineage, err := repo.ListDerivedAssets(ctx, raw.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 1)
	assert.Equal(t, derived.ID, lineage[0].ID)

	lineage, err = repo.ListDerivedAssets(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, lineage)

	require.NoError(t, repo.DeleteAsset(ctx, other.ID))
	_, err = repo.GetAsset(ctx, other.ID)
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteAsset(ctx, other.ID), vault.ErrNotFound)

	// raw still has a derived child
	assert.ErrorIs(t, repo.DeleteAsset(ctx, raw.ID), vault.ErrConflictingState)
	_, err = repo.GetAsset(ctx, raw.ID)
	assert.NoError(t, err)
}

func testStyles(t *testing.T, repo vault.Repository) {
	ctx := context.Background()
	createStyle(t, repo, "studio@v1")
	createStyle(t, repo, "creative@v1")

	err := repo.CreateStyle(ctx, &vault.StyleDescriptor{ID: "studio@v1", Name: "studio", Version: 1, CreatedAt: base})
	assert.ErrorIs(t, err, vault.ErrConflictingState)

	style, err := repo.GetStyle(ctx, "studio@v1")
	require.NoError(t, err)
	assert.Equal(t, "studio", style.Name)
	assert.Equal(t, 1, style.Version)
	assert.Equal(t, map[string]string{"color_grade": "warm"}, style.Parameters)
	assert.True(t, style.CreatedAt.Equal(base))

	_, err = repo.GetStyle(ctx, "live@v1")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	styles, err := repo.ListStyles(ctx)
	require.NoError(t, err)
	require.Len(t, styles, 2)
	assert.Equal(t, "creative@v1", styles[0].ID)
	assert.Equal(t, "studio@v1", styles[1].ID)
}

func testJobTransitions(t *testing.T, repo vault.Repository) {
	ctx := context.Background()
	job := newJob(vault.JobKindPublish, base)
	require.NoError(t, repo.CreateJob(ctx, job))
	assert.ErrorIs(t, repo.CreateJob(ctx, job), vault.ErrConflictingState)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.JobKindPublish, got.Kind)
	assert.Equal(t, vault.JobStatePending, got.State)
	assert.Equal(t, "youtube", got.Platform)
	assert.Equal(t, map[string]string{"title": "Encore"}, got.Metadata)
	assert.True(t, got.NextAttemptAt.Equal(base))
	assert.Nil(t, got.PlanID)
	assert.Nil(t, got.StartedAt)

	_, err = repo.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, vault.ErrNotFound)

	now := base.Add(time.Minute)
	pending := []vault.JobState{vault.JobStatePending}
	claimed, err := repo.TransitionJob(ctx, job.ID, vault.Transition{
		From: pending, To: vault.JobStateRunning, ExpectVersion: 1, Claim: true,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, vault.JobStateRunning, claimed.State)
	assert.Equal(t, int64(2), claimed.Version)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.StartedAt)
	assert.True(t, claimed.StartedAt.Equal(now))
	assert.True(t, claimed.UpdatedAt.Equal(now))

	_, err = repo.TransitionJob(ctx, job.ID, vault.Transition{
		From: pending, To: vault.JobStateRunning, ExpectVersion: 1, Claim: true,
	}, now)
	assert.ErrorIs(t, err, vault.ErrConflictingState)

	_, err = repo.TransitionJob(ctx, job.ID, vault.Transition{
		From: []vault.JobState{vault.JobStateRunning}, To: vault.JobStateSucceeded, ExpectVersion: 1,
	}, now)
	assert.ErrorIs(t, err, vault.ErrConflictingState, "stale version")

	_, err = repo.TransitionJob(ctx, uuid.New(), vault.Transition{From: pending, To: vault.JobStateRunning}, now)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	msg, permanent := "upstream returned 502", false
	failed, err := repo.TransitionJob(ctx, job.ID, vault.Transition{
		From:          []vault.JobState{vault.JobStateRunning},
		To:            vault.JobStateFailed,
		ExpectVersion: 2,
		LastError:     &msg,
		Permanent:     &permanent,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, msg, failed.LastError)
	assert.False(t, failed.PermanentFailure)

	next := now.Add(30 * time.Second)
	retried, err := repo.TransitionJob(ctx, job.ID, vault.Transition{
		From:          []vault.JobState{vault.JobStateFailed, vault.JobStateRunning},
		To:            vault.JobStatePending,
		NextAttemptAt: &next,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, vault.JobStatePending, retried.State)
	assert.Equal(t, int64(4), retried.Version)
	assert.True(t, retried.NextAttemptAt.Equal(next))
	assert.Equal(t, msg, retried.LastError, "unset fields keep their value")
	assert.Equal(t, 1, retried.AttemptCount)

	claimed, err = repo.TransitionJob(ctx, job.ID, vault.Transition{
		From: pending, To: vault.JobStateRunning, ExpectVersion: 4, Claim: true,
	}, next)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.AttemptCount)

	output := "post-77"
	done, err := repo.TransitionJob(ctx, job.ID, vault.Transition{
		From: []vault.JobState{vault.JobStateRunning}, To: vault.JobStateSucceeded, ExpectVersion: 5, OutputRef: &output,
	}, next)
	require.NoError(t, err)
	assert.Equal(t, "post-77", done.OutputRef)

	stored, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.JobStateSucceeded, stored.State)
	assert.Equal(t, int64(6), stored.Version)
}

func testListDue(t *testing.T, repo vault.Repository) {
	ctx := context.Background()
	asOf := base.Add(time.Hour)

	var want []*vault.Job
	for _, offset := range []time.Duration{40, 10, 30, 10, 20, 60} {
		job := newJob(vault.JobKindTransform, base.Add(offset*time.Minute))
		require.NoError(t, repo.CreateJob(ctx, job))
		want = append(want, job)
	}
	// Not due, wrong kind, not pending.
	require.NoError(t, repo.CreateJob(ctx, newJob(vault.JobKindTransform, asOf.Add(time.Second))))
	require.NoError(t, repo.CreateJob(ctx, newJob(vault.JobKindPublish, base)))
	running := newJob(vault.JobKindTransform, base)
	running.State = vault.JobStateRunning
	require.NoError(t, repo.CreateJob(ctx, running))

	slices.SortFunc(want, func(a, b *vault.Job) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})

	var got []uuid.UUID
	var cursor *vault.DueCursor
	for {
		page, err := repo.ListDueJobs(ctx, vault.JobKindTransform, asOf, cursor, 2)
		require.NoError(t, err)
		for _, job := range page {
			got = append(got, job.ID)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		cursor = &vault.DueCursor{NextAttemptAt: last.NextAttemptAt, ID: last.ID}
	}

	wantIDs := make([]uuid.UUID, len(want))
	for i, job := range want {
		wantIDs[i] = job.ID
	}
	assert.Equal(t, wantIDs, got)
}

func testListStale(t *testing.T, repo vault.Repository) {
	ctx := context.Background()
	cutoff := base.Add(time.Hour)

	claim := func(job *vault.Job, at time.Time) {
		t.Helper()
		require.NoError(t, repo.CreateJob(ctx, job))
		_, err := repo.TransitionJob(ctx, job.ID, vault.Transition{
			From: []vault.JobState{vault.JobStatePending}, To: vault.JobStateRunning, Claim: true,
		}, at)
		require.NoError(t, err)
	}

	expired := newJob(vault.JobKindTransform, base)
	claim(expired, cutoff.Add(-time.Minute))
	fresh := newJob(vault.JobKindPublish, base)
	claim(fresh, cutoff.Add(time.Minute))

	abandoned := newJob(vault.JobKindTransform, base)
	claim(abandoned, base)
	_, err := repo.TransitionJob(ctx, abandoned.ID, vault.Transition{
		From: []vault.JobState{vault.JobStateRunning}, To: vault.JobStateFailed,
	}, cutoff.Add(-time.Second))
	require.NoError(t, err)

	require.NoError(t, repo.CreateJob(ctx, newJob(vault.JobKindTransform, base)))

	stale, err := repo.ListStaleJobs(ctx, cutoff)
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(stale))
	for i, job := range stale {
		ids[i] = job.ID
	}
	assert.ElementsMatch(t, []uuid.UUID{expired.ID, abandoned.ID}, ids)
}

func testPlans(t *testing.T, repo vault.Repository) {
	ctx := context.Background()
	owner := uuid.New()
	derived := newAsset(vault.AssetKindDerived, owner)
	require.NoError(t, repo.CreateAsset(ctx, derived))

	plan := &vault.Plan{ID: uuid.New(), OwnerID: owner, DerivedAssetID: derived.ID, CreatedAt: base}
	require.NoError(t, repo.CreatePlan(ctx, plan))
	assert.ErrorIs(t, repo.CreatePlan(ctx, plan), vault.ErrConflictingState)

	got, err := repo.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, got.OwnerID)
	assert.Equal(t, derived.ID, got.DerivedAssetID)
	assert.Nil(t, got.DeletedAt)

	later := newJob(vault.JobKindPublish, base.Add(time.Hour))
	sooner := newJob(vault.JobKindPublish, base)
	for _, job := range []*vault.Job{later, sooner} {
		job.PlanID = &plan.ID
		require.NoError(t, repo.CreateJob(ctx, job))
	}
	require.NoError(t, repo.CreateJob(ctx, newJob(vault.JobKindPublish, base)))

	jobs, err := repo.ListJobsByPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, sooner.ID, jobs[0].ID)
	assert.Equal(t, later.ID, jobs[1].ID)
	require.NotNil(t, jobs[0].PlanID)
	assert.Equal(t, plan.ID, *jobs[0].PlanID)

	assert.ErrorIs(t, repo.DeleteAsset(ctx, derived.ID), vault.ErrConflictingState)

	require.NoError(t, repo.DeletePlan(ctx, plan.ID, base.Add(time.Minute)))
	_, err = repo.GetPlan(ctx, plan.ID)
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.ErrorIs(t, repo.DeletePlan(ctx, plan.ID, base), vault.ErrNotFound)

	jobs, err = repo.ListJobsByPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "deleting a plan keeps its jobs")

	_, err = repo.GetPlan(ctx, uuid.New())
	assert.ErrorIs(t, err, vault.ErrNotFound)
}
