package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Planner turns a derived artifact and a list of (platform, time)
// entries into a distribution plan of publish jobs.
type Planner struct {
	ledger *Ledger
	assets *AssetStore
	plans  PlanRepository
	*settings
}

// NewPlanner creates a Planner.
func NewPlanner(ledger *Ledger, assets *AssetStore, plans PlanRepository, options ...Option) (*Planner, error) {
	if ledger == nil || assets == nil {
		return nil, fmt.Errorf("ledger and asset store are required")
	}
	if plans == nil {
		return nil, fmt.Errorf("plan repository is required")
	}
	s := newSettings(options)
	s.logger = s.logger.With("component", "planner")
	return &Planner{ledger: ledger, assets: assets, plans: plans, settings: s}, nil
}

// CreatePlan creates one pending publish job per entry. The asset must
// be a derived asset owned by ownerID, and no entry may be scheduled
// further in the past than the grace window.
func (p *Planner) CreatePlan(ctx context.Context, ownerID, derivedAssetID uuid.UUID, entries []PlanEntry) (*PlanView, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: a plan needs at least one entry", ErrValidation)
	}

	asset, err := p.assets.Stat(ctx, derivedAssetID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: derived asset %s does not exist", ErrInvalidReference, derivedAssetID)
	}
	if err != nil {
		return nil, err
	}
	if !asset.IsDerived() {
		return nil, fmt.Errorf("%w: asset %s is not a derived asset", ErrInvalidReference, derivedAssetID)
	}
	if asset.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: asset %s belongs to another owner", ErrInvalidReference, derivedAssetID)
	}

	now := p.now()
	earliest := now.Add(-p.scheduleGrace)
	for i, entry := range entries {
		if strings.TrimSpace(entry.Platform) == "" {
			return nil, fmt.Errorf("%w: entry %d has no platform", ErrValidation, i)
		}
		if entry.ScheduledAt.IsZero() {
			return nil, fmt.Errorf("%w: entry %d has no scheduled time", ErrValidation, i)
		}
		if entry.ScheduledAt.Before(earliest) {
			return nil, fmt.Errorf("%w: entry %d is scheduled at %s, before %s", ErrInvalidSchedule, i,
				entry.ScheduledAt.UTC().Format("2006-01-02T15:04:05Z"), earliest.Format("2006-01-02T15:04:05Z"))
		}
	}

	planID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate plan id: %w", err)
	}
	plan := &Plan{
		ID:             planID,
		OwnerID:        ownerID,
		DerivedAssetID: derivedAssetID,
		CreatedAt:      now,
	}
	if err := p.plans.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		job := &Job{
			Kind:          JobKindPublish,
			OwnerID:       ownerID,
			SourceAssetID: derivedAssetID,
			PlanID:        &planID,
			Platform:      strings.TrimSpace(entry.Platform),
			Metadata:      entry.Metadata,
			ScheduledAt:   entry.ScheduledAt,
		}
		if _, err := p.ledger.Create(ctx, job); err != nil {
			p.abandon(ctx, plan, jobs)
			return nil, err
		}
		jobs = append(jobs, job)
	}

	p.logger.InfoContext(ctx, "plan created", "plan_id", planID, "asset_id", derivedAssetID, "jobs", len(jobs))
	return &PlanView{Plan: plan, Jobs: jobs}, nil
}

// abandon undoes a partially created plan.
func (p *Planner) abandon(ctx context.Context, plan *Plan, jobs []*Job) {
	ctx = context.WithoutCancel(ctx)
	for _, job := range jobs {
		if _, err := p.cancelJob(ctx, job); err != nil {
			p.logger.ErrorContext(ctx, "failed to cancel job of abandoned plan", "plan_id", plan.ID, "job_id", job.ID, "error", err)
		}
	}
	if err := p.plans.DeletePlan(ctx, plan.ID, p.now()); err != nil {
		p.logger.ErrorContext(ctx, "failed to delete abandoned plan", "plan_id", plan.ID, "error", err)
	}
}

// GetPlan returns the plan with its jobs as currently recorded in the
// ledger.
func (p *Planner) GetPlan(ctx context.Context, planID uuid.UUID) (*PlanView, error) {
	plan, err := p.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", planID, err)
	}
	jobs, err := p.ledger.ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return &PlanView{Plan: plan, Jobs: jobs}, nil
}

// CancelPlan cancels every job of the plan that is still pending. Jobs
// that already left pending keep their state and are reported as not
// cancellable. When every job ends up cancelled without ever having
// run, the plan itself is deleted.
func (p *Planner) CancelPlan(ctx context.Context, planID uuid.UUID) (*CancelResult, error) {
	if _, err := p.plans.GetPlan(ctx, planID); err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", planID, err)
	}
	jobs, err := p.ledger.ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	result := &CancelResult{PlanID: planID, Cancelled: []uuid.UUID{}, NotCancellable: []*Job{}}
	untouched := true
	for _, job := range jobs {
		final := job
		if job.State == JobStatePending {
			final, err = p.cancelJob(ctx, job)
			if err != nil {
				return nil, err
			}
			if final.State == JobStateCancelled {
				result.Cancelled = append(result.Cancelled, job.ID)
			}
		}
		if final.State != JobStateCancelled {
			result.NotCancellable = append(result.NotCancellable, final)
		}
		if final.State != JobStateCancelled || final.AttemptCount > 0 {
			untouched = false
		}
	}

	if untouched {
		if err := p.plans.DeletePlan(ctx, planID, p.now()); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to delete plan %s: %w", planID, err)
		}
		result.Deleted = true
	}

	p.logger.InfoContext(ctx, "plan cancelled", "plan_id", planID,
		"cancelled", len(result.Cancelled), "not_cancellable", len(result.NotCancellable), "deleted", result.Deleted)
	return result, nil
}

// cancelJob moves a pending job to cancelled. If a worker claimed it
// first, the job's current record is returned instead.
func (p *Planner) cancelJob(ctx context.Context, job *Job) (*Job, error) {
	cancelled, err := p.ledger.Transition(ctx, job.ID, Transition{
		From:          []JobState{JobStatePending},
		To:            JobStateCancelled,
		ExpectVersion: job.Version,
	})
	if err == nil {
		return cancelled, nil
	}
	if !errors.Is(err, ErrConflictingState) {
		return nil, err
	}
	current, getErr := p.ledger.Get(ctx, job.ID)
	if getErr != nil {
		return nil, getErr
	}
	if current.State == JobStatePending {
		// Retried by the dispatcher since we read it; try once more.
		return p.cancelJob(ctx, current)
	}
	return current, nil
}
