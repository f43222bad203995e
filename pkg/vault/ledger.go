package vault

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Ledger is the durable record of every job and the single point of
// mutual exclusion between workers: every state change is a
// compare-and-set in the repository.
type Ledger struct {
	repo JobRepository
	*settings
}

// NewLedger creates a Ledger over repo.
func NewLedger(repo JobRepository, options ...Option) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	s := newSettings(options)
	s.logger = s.logger.With("component", "ledger")
	return &Ledger{repo: repo, settings: s}, nil
}

// Create stores job in its kind's initial state and returns its id.
// ID, state, version and timestamps are assigned here; NextAttemptAt
// defaults to ScheduledAt, which defaults to now.
func (l *Ledger) Create(ctx context.Context, job *Job) (uuid.UUID, error) {
	if !job.Kind.Valid() {
		return uuid.Nil, fmt.Errorf("%w: unknown job kind %q", ErrValidation, job.Kind)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate job id: %w", err)
	}
	now := l.now()

	job.ID = id
	job.State = InitialState(job.Kind)
	job.Version = 1
	job.AttemptCount = 0
	job.LastError = ""
	job.OutputRef = ""
	job.StartedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	job.ScheduledAt = job.ScheduledAt.UTC()
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.ScheduledAt
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = l.retry.MaxAttempts
	}
	if job.Metadata != nil {
		job.Metadata = maps.Clone(job.Metadata)
	}

	if err := l.repo.CreateJob(ctx, job); err != nil {
		return uuid.Nil, &JobError{JobID: id, Op: "create", Err: err}
	}
	l.logger.DebugContext(ctx, "job created", "job_id", id, "kind", job.Kind, "next_attempt_at", job.NextAttemptAt)
	return id, nil
}

// Get returns the current record for id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := l.repo.GetJob(ctx, id)
	if err != nil {
		return nil, &JobError{JobID: id, Op: "get", Err: err}
	}
	return job, nil
}

// Transition atomically moves job id from one of t.From to t.To. It
// fails with ErrConflictingState if the job is no longer in t.From (or
// no longer at t.ExpectVersion), and with ErrIllegalTransition if the
// kind's state machine forbids the move.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, t Transition) (*Job, error) {
	current, err := l.repo.GetJob(ctx, id)
	if err != nil {
		return nil, &JobError{JobID: id, Op: "transition", Err: err}
	}
	if err := validateTransition(current.Kind, t); err != nil {
		return nil, &JobError{JobID: id, Op: "transition", Err: err}
	}

	job, err := l.repo.TransitionJob(ctx, id, t, l.now())
	if err != nil {
		return nil, &JobError{JobID: id, Op: "transition", Err: err}
	}

	if err := l.eventSink.JobTransitioned(ctx, job, current.State); err != nil {
		l.logger.WarnContext(ctx, "event sink failed", "job_id", id, "error", err)
	}
	return job, nil
}

// ListDue yields pending jobs of kind whose next attempt is at or
// before asOf, ordered by (NextAttemptAt, ID). Pages are fetched from
// the repository as the sequence is consumed.
func (l *Ledger) ListDue(ctx context.Context, kind JobKind, asOf time.Time) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) {
		var cursor *DueCursor
		for {
			page, err := l.repo.ListDueJobs(ctx, kind, asOf.UTC(), cursor, l.batchSize)
			if err != nil {
				yield(nil, fmt.Errorf("failed to list due %s jobs: %w", kind, err))
				return
			}
			for _, job := range page {
				if !yield(job, nil) {
					return
				}
			}
			if len(page) < l.batchSize {
				return
			}
			last := page[len(page)-1]
			cursor = &DueCursor{NextAttemptAt: last.NextAttemptAt, ID: last.ID}
		}
	}
}

// ListByPlan returns every job created for a plan.
func (l *Ledger) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Job, error) {
	jobs, err := l.repo.ListJobsByPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for plan %s: %w", planID, err)
	}
	return jobs, nil
}

// Claim moves a pending job to running, counting the attempt. Only one
// caller can win for a given version of the job.
func (l *Ledger) Claim(ctx context.Context, job *Job) (*Job, error) {
	return l.Transition(ctx, job.ID, Transition{
		From:          []JobState{JobStatePending},
		To:            JobStateRunning,
		ExpectVersion: job.Version,
		Claim:         true,
	})
}

// Complete records a successful run.
func (l *Ledger) Complete(ctx context.Context, job *Job, outputRef string) (*Job, error) {
	return l.Transition(ctx, job.ID, Transition{
		From:          []JobState{JobStateRunning},
		To:            JobStateSucceeded,
		ExpectVersion: job.Version,
		OutputRef:     &outputRef,
	})
}

// Fail records a failed run and then resolves the failure: back to
// pending with backoff while attempts remain and the cause is
// retryable, otherwise exhausted.
func (l *Ledger) Fail(ctx context.Context, job *Job, cause error) (*Job, error) {
	msg := cause.Error()
	permanent := IsPermanent(cause)
	failed, err := l.Transition(ctx, job.ID, Transition{
		From:          []JobState{JobStateRunning},
		To:            JobStateFailed,
		ExpectVersion: job.Version,
		LastError:     &msg,
		Permanent:     &permanent,
	})
	if err != nil {
		return nil, err
	}
	return l.resolveFailed(ctx, failed)
}

func (l *Ledger) resolveFailed(ctx context.Context, job *Job) (*Job, error) {
	if job.PermanentFailure || job.AttemptCount >= job.MaxAttempts {
		resolved, err := l.Transition(ctx, job.ID, Transition{
			From:          []JobState{JobStateFailed},
			To:            JobStateExhausted,
			ExpectVersion: job.Version,
		})
		if err == nil {
			l.logger.ErrorContext(ctx, "job exhausted",
				"job_id", job.ID, "kind", job.Kind, "attempts", job.AttemptCount,
				"permanent", job.PermanentFailure, "last_error", job.LastError)
		}
		return resolved, err
	}

	delay := l.retry.Backoff(job.AttemptCount)
	next := l.now().Add(delay)
	resolved, err := l.Transition(ctx, job.ID, Transition{
		From:          []JobState{JobStateFailed},
		To:            JobStatePending,
		ExpectVersion: job.Version,
		NextAttemptAt: &next,
	})
	if err == nil {
		l.logger.WarnContext(ctx, "job scheduled for retry",
			"job_id", job.ID, "kind", job.Kind, "attempt", job.AttemptCount,
			"max_attempts", job.MaxAttempts, "retry_in", delay, "last_error", job.LastError)
	}
	return resolved, err
}

// SweepStale reclaims jobs whose worker has disappeared: running jobs
// past their lease are failed with "lease expired" and then retried or
// exhausted, and failed jobs left unresolved past the lease are
// resolved. Jobs another worker touched in the meantime are skipped.
func (l *Ledger) SweepStale(ctx context.Context) (*SweepResult, error) {
	cutoff := l.now().Add(-l.leaseTimeout)
	stale, err := l.repo.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	result := &SweepResult{Reclaimed: []uuid.UUID{}, Exhausted: []uuid.UUID{}}
	for _, job := range stale {
		if job.State == JobStateRunning {
			msg := "lease expired"
			permanent := false
			failed, err := l.Transition(ctx, job.ID, Transition{
				From:          []JobState{JobStateRunning},
				To:            JobStateFailed,
				ExpectVersion: job.Version,
				LastError:     &msg,
				Permanent:     &permanent,
			})
			if skipSweep(err) {
				continue
			}
			if err != nil {
				return result, err
			}
			job = failed
		}

		resolved, err := l.resolveFailed(ctx, job)
		if skipSweep(err) {
			continue
		}
		if err != nil {
			return result, err
		}
		if resolved.State == JobStatePending {
			result.Reclaimed = append(result.Reclaimed, resolved.ID)
		} else {
			result.Exhausted = append(result.Exhausted, resolved.ID)
		}
		l.logger.InfoContext(ctx, "stale job reclaimed", "job_id", resolved.ID, "kind", resolved.Kind, "state", resolved.State)
	}
	return result, nil
}

func skipSweep(err error) bool {
	return errors.Is(err, ErrConflictingState) || errors.Is(err, ErrNotFound)
}
