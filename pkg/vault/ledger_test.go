package vault_test

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/pkg/vault"
)

func createJob(t *testing.T, f *fixture, job *vault.Job) *vault.Job {
	t.Helper()
	if job.OwnerID == uuid.Nil {
		job.OwnerID = uuid.New()
	}
	if job.SourceAssetID == uuid.Nil {
		job.SourceAssetID = uuid.New()
	}
	_, err := f.Ledger.Create(context.Background(), job)
	require.NoError(t, err)
	return job
}

func TestLedgerCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("assigns defaults", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform, StyleID: "studio@v1"})

		assert.NotEqual(t, uuid.Nil, job.ID)
		assert.Equal(t, vault.JobStatePending, job.State)
		assert.Equal(t, int64(1), job.Version)
		assert.Equal(t, 0, job.AttemptCount)
		assert.Equal(t, testRetry.MaxAttempts, job.MaxAttempts)
		assert.True(t, job.ScheduledAt.Equal(f.clock.Now()))
		assert.True(t, job.NextAttemptAt.Equal(job.ScheduledAt))
		assert.Nil(t, job.StartedAt)

		stored := f.job(t, job.ID)
		assert.Equal(t, job.ID, stored.ID)
		assert.Equal(t, "studio@v1", stored.StyleID)
	})

	t.Run("future schedule sets first attempt", func(t *testing.T) {
		at := f.clock.Now().Add(2 * time.Hour)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindPublish, Platform: "youtube", ScheduledAt: at})
		assert.True(t, job.NextAttemptAt.Equal(at))
	})

	t.Run("explicit attempt ceiling is kept", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform, MaxAttempts: 1})
		assert.Equal(t, 1, job.MaxAttempts)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := f.Ledger.Create(ctx, &vault.Job{Kind: "encode"})
		assert.ErrorIs(t, err, vault.ErrValidation)
	})

	t.Run("get unknown job", func(t *testing.T) {
		_, err := f.Ledger.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, vault.ErrNotFound)
	})
}

func TestLedgerClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("second claim of the same version loses", func(t *testing.T) {
		f := newFixture(t)
		due := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})

		claimed, err := f.Ledger.Claim(ctx, due)
		require.NoError(t, err)
		assert.Equal(t, vault.JobStateRunning, claimed.State)
		assert.Equal(t, 1, claimed.AttemptCount)
		assert.Equal(t, int64(2), claimed.Version)
		require.NotNil(t, claimed.StartedAt)
		assert.True(t, claimed.StartedAt.Equal(f.clock.Now()))

		_, err = f.Ledger.Claim(ctx, due)
		assert.ErrorIs(t, err, vault.ErrConflictingState)
		assert.Equal(t, vault.OutcomeConflict, vault.Classify(err))
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		f := newFixture(t)
		due := createJob(t, f, &vault.Job{Kind: vault.JobKindPublish, Platform: "youtube"})

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.Ledger.Claim(ctx, due)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, vault.ErrConflictingState):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), conflicts.Load())
		assert.Equal(t, 1, f.job(t, due.ID).AttemptCount)
	})
}

func TestLedgerTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("illegal edge", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		_, err := f.Ledger.Transition(ctx, job.ID, vault.Transition{
			From: []vault.JobState{vault.JobStatePending},
			To:   vault.JobStateSucceeded,
		})
		assert.ErrorIs(t, err, vault.ErrIllegalTransition)
		assert.Equal(t, vault.JobStatePending, f.job(t, job.ID).State)
	})

	t.Run("transform jobs cannot be cancelled", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		_, err := f.Ledger.Transition(ctx, job.ID, vault.Transition{
			From: []vault.JobState{vault.JobStatePending},
			To:   vault.JobStateCancelled,
		})
		assert.ErrorIs(t, err, vault.ErrIllegalTransition)
	})

	t.Run("cancelled job cannot be claimed", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindPublish, Platform: "tiktok"})
		cancelled, err := f.Ledger.Transition(ctx, job.ID, vault.Transition{
			From:          []vault.JobState{vault.JobStatePending},
			To:            vault.JobStateCancelled,
			ExpectVersion: job.Version,
		})
		require.NoError(t, err)
		assert.True(t, cancelled.State.IsTerminal())

		_, err = f.Ledger.Claim(ctx, cancelled)
		assert.ErrorIs(t, err, vault.ErrConflictingState)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		_, err := f.Ledger.Transition(ctx, job.ID, vault.Transition{
			From:          []vault.JobState{vault.JobStatePending},
			To:            vault.JobStateRunning,
			ExpectVersion: job.Version + 5,
		})
		assert.ErrorIs(t, err, vault.ErrConflictingState)
	})

	t.Run("version grows on every change", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		claimed, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)
		done, err := f.Ledger.Complete(ctx, claimed, "out-1")
		require.NoError(t, err)

		assert.Equal(t, int64(3), done.Version)
		assert.Equal(t, vault.JobStateSucceeded, done.State)
		assert.Equal(t, "out-1", done.OutputRef)

		_, err = f.Ledger.Complete(ctx, claimed, "out-2")
		assert.ErrorIs(t, err, vault.ErrConflictingState)
		assert.Equal(t, "out-1", f.job(t, job.ID).OutputRef)
	})

	t.Run("claim must target running", func(t *testing.T) {
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindPublish, Platform: "tiktok"})
		_, err := f.Ledger.Transition(ctx, job.ID, vault.Transition{
			From:  []vault.JobState{vault.JobStatePending},
			To:    vault.JobStateCancelled,
			Claim: true,
		})
		assert.ErrorIs(t, err, vault.ErrValidation)
	})
}

func TestLedgerFail(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures back off until exhausted", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		cause := vault.Transient("transformer", errors.New("upstream returned 503"))

		claimed, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)
		retried, err := f.Ledger.Fail(ctx, claimed, cause)
		require.NoError(t, err)
		assert.Equal(t, vault.JobStatePending, retried.State)
		assert.Equal(t, 1, retried.AttemptCount)
		assert.Equal(t, int64(4), retried.Version)
		assert.True(t, retried.NextAttemptAt.Equal(f.clock.Now().Add(time.Minute)))
		assert.Contains(t, retried.LastError, "upstream returned 503")
		assert.False(t, retried.PermanentFailure)

		claimed, err = f.Ledger.Claim(ctx, retried)
		require.NoError(t, err)
		retried, err = f.Ledger.Fail(ctx, claimed, cause)
		require.NoError(t, err)
		assert.Equal(t, vault.JobStatePending, retried.State)
		assert.True(t, retried.NextAttemptAt.Equal(f.clock.Now().Add(2*time.Minute)))

		claimed, err = f.Ledger.Claim(ctx, retried)
		require.NoError(t, err)
		final, err := f.Ledger.Fail(ctx, claimed, cause)
		require.NoError(t, err)
		assert.Equal(t, vault.JobStateExhausted, final.State)
		assert.Equal(t, 3, final.AttemptCount)
		assert.True(t, final.State.IsTerminal())
	})

	t.Run("permanent failure exhausts at once", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindPublish, Platform: "youtube"})

		claimed, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)
		final, err := f.Ledger.Fail(ctx, claimed, vault.Permanent("sink:youtube", errors.New("video rejected")))
		require.NoError(t, err)
		assert.Equal(t, vault.JobStateExhausted, final.State)
		assert.Equal(t, 1, final.AttemptCount)
		assert.True(t, final.PermanentFailure)
		assert.Contains(t, final.LastError, "video rejected")
	})

	t.Run("untyped errors are retried", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})

		claimed, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)
		retried, err := f.Ledger.Fail(ctx, claimed, errors.New("connection reset"))
		require.NoError(t, err)
		assert.Equal(t, vault.JobStatePending, retried.State)
	})

	t.Run("failing a job that is not running", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		_, err := f.Ledger.Fail(ctx, job, errors.New("boom"))
		assert.ErrorIs(t, err, vault.ErrConflictingState)
	})
}

func TestLedgerListDue(t *testing.T) {
	ctx := context.Background()

	collect := func(t *testing.T, f *fixture, kind vault.JobKind) []*vault.Job {
		t.Helper()
		var jobs []*vault.Job
		for job, err := range f.Ledger.ListDue(ctx, kind, f.clock.Now()) {
			require.NoError(t, err)
			jobs = append(jobs, job)
		}
		return jobs
	}

	t.Run("orders by next attempt across pages", func(t *testing.T) {
		f := newFixture(t, vault.WithBatchSize(2))
		now := f.clock.Now()
		offsets := []time.Duration{-5 * time.Minute, -time.Minute, -3 * time.Minute, time.Hour, -2 * time.Minute, 0}
		for _, offset := range offsets {
			createJob(t, f, &vault.Job{Kind: vault.JobKindPublish, Platform: "youtube", ScheduledAt: now.Add(offset)})
		}
		createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})

		due := collect(t, f, vault.JobKindPublish)
		require.Len(t, due, 5)
		for i := 1; i < len(due); i++ {
			assert.False(t, due[i].NextAttemptAt.Before(due[i-1].NextAttemptAt))
		}
		assert.True(t, due[0].NextAttemptAt.Equal(now.Add(-5*time.Minute)))
		assert.True(t, due[4].NextAttemptAt.Equal(now))
	})

	t.Run("ties break on id without repeats", func(t *testing.T) {
		f := newFixture(t, vault.WithBatchSize(2))
		var ids []uuid.UUID
		for range 5 {
			ids = append(ids, createJob(t, f, &vault.Job{Kind: vault.JobKindTransform}).ID)
		}
		slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

		due := collect(t, f, vault.JobKindTransform)
		got := make([]uuid.UUID, len(due))
		for i, job := range due {
			got[i] = job.ID
		}
		assert.Equal(t, ids, got)
	})

	t.Run("skips jobs that left pending", func(t *testing.T) {
		f := newFixture(t)
		running := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		_, err := f.Ledger.Claim(ctx, running)
		require.NoError(t, err)
		waiting := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})

		due := collect(t, f, vault.JobKindTransform)
		require.Len(t, due, 1)
		assert.Equal(t, waiting.ID, due[0].ID)
	})

	t.Run("stops when the consumer does", func(t *testing.T) {
		f := newFixture(t, vault.WithBatchSize(1))
		for range 3 {
			createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		}
		seen := 0
		for _, err := range f.Ledger.ListDue(ctx, vault.JobKindTransform, f.clock.Now()) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
	})
}

func TestLedgerSweepStale(t *testing.T) {
	ctx := context.Background()

	t.Run("reclaims expired leases", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		claimed, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)

		f.clock.Advance(5 * time.Minute)
		result, err := f.Ledger.SweepStale(ctx)
		require.NoError(t, err)
		assert.Empty(t, result.Reclaimed)
		assert.Empty(t, result.Exhausted)

		f.clock.Advance(6 * time.Minute)
		result, err = f.Ledger.SweepStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{job.ID}, result.Reclaimed)
		assert.Empty(t, result.Exhausted)

		reclaimed := f.job(t, job.ID)
		assert.Equal(t, vault.JobStatePending, reclaimed.State)
		assert.Equal(t, "lease expired", reclaimed.LastError)
		assert.Equal(t, 1, reclaimed.AttemptCount)
		assert.True(t, reclaimed.NextAttemptAt.Equal(f.clock.Now().Add(time.Minute)))

		// The original worker finishing late must not overwrite the retry.
		_, err = f.Ledger.Complete(ctx, claimed, "late-output")
		assert.ErrorIs(t, err, vault.ErrConflictingState)
		assert.Empty(t, f.job(t, job.ID).OutputRef)

		result, err = f.Ledger.SweepStale(ctx)
		require.NoError(t, err)
		assert.Empty(t, result.Reclaimed)
	})

	t.Run("exhausts at the attempt ceiling", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindPublish, Platform: "tiktok", MaxAttempts: 1})
		_, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)

		f.clock.Advance(11 * time.Minute)
		result, err := f.Ledger.SweepStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{job.ID}, result.Exhausted)
		assert.Equal(t, vault.JobStateExhausted, f.job(t, job.ID).State)
	})

	t.Run("resolves failures left behind", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		claimed, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)
		msg := "worker crashed"
		_, err = f.Ledger.Transition(ctx, job.ID, vault.Transition{
			From:          []vault.JobState{vault.JobStateRunning},
			To:            vault.JobStateFailed,
			ExpectVersion: claimed.Version,
			LastError:     &msg,
		})
		require.NoError(t, err)

		f.clock.Advance(11 * time.Minute)
		result, err := f.Ledger.SweepStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{job.ID}, result.Reclaimed)

		resolved := f.job(t, job.ID)
		assert.Equal(t, vault.JobStatePending, resolved.State)
		assert.Equal(t, "worker crashed", resolved.LastError)
	})

	t.Run("concurrent sweeps reclaim once", func(t *testing.T) {
		f := newFixture(t)
		job := createJob(t, f, &vault.Job{Kind: vault.JobKindTransform})
		_, err := f.Ledger.Claim(ctx, job)
		require.NoError(t, err)
		f.clock.Advance(11 * time.Minute)

		var reclaimed atomic.Int32
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := f.Ledger.SweepStale(ctx)
				if assert.NoError(t, err) {
					reclaimed.Add(int32(len(result.Reclaimed)))
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), reclaimed.Load())
		// created, claimed, failed, pending
		assert.Equal(t, int64(4), f.job(t, job.ID).Version)
	})
}
