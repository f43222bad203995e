package memory

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/content-vault/pkg/vault"
)

// Repository implements vault.Repository using in-memory storage
type Repository struct {
	mu     sync.RWMutex
	assets map[uuid.UUID]*vault.Asset
	jobs   map[uuid.UUID]*vault.Job
	plans  map[uuid.UUID]*vault.Plan
	styles map[string]*vault.StyleDescriptor
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		assets: make(map[uuid.UUID]*vault.Asset),
		jobs:   make(map[uuid.UUID]*vault.Job),
		plans:  make(map[uuid.UUID]*vault.Plan),
		styles: make(map[string]*vault.StyleDescriptor),
	}
}

// Asset operations

func (r *Repository) CreateAsset(ctx context.Context, asset *vault.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[asset.ID]; exists {
		return vault.ErrConflictingState
	}
	r.assets[asset.ID] = copyAsset(asset)
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*vault.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, exists := r.assets[id]
	if !exists {
		return nil, vault.ErrNotFound
	}
	return copyAsset(asset), nil
}

func (r *Repository) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[id]; !exists {
		return vault.ErrNotFound
	}
	for _, asset := range r.assets {
		if asset.SourceAssetID != nil && *asset.SourceAssetID == id {
			return vault.ErrConflictingState
		}
	}
	for _, plan := range r.plans {
		if plan.DerivedAssetID == id {
			return vault.ErrConflictingState
		}
	}
	delete(r.assets, id)
	return nil
}

func (r *Repository) LinkAsset(ctx context.Context, derivedID, sourceID uuid.UUID, styleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, exists := r.assets[derivedID]
	if !exists {
		return vault.ErrNotFound
	}
	if asset.SourceAssetID != nil {
		if *asset.SourceAssetID == sourceID && asset.StyleID == styleID {
			return nil
		}
		return vault.ErrConflictingState
	}
	src := sourceID
	asset.SourceAssetID = &src
	asset.StyleID = styleID
	return nil
}

func (r *Repository) ListDerivedAssets(ctx context.Context, sourceID uuid.UUID) ([]*vault.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*vault.Asset
	for _, asset := range r.assets {
		if asset.SourceAssetID != nil && *asset.SourceAssetID == sourceID {
			result = append(result, copyAsset(asset))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) < 0
	})
	return result, nil
}

// Job operations

func (r *Repository) CreateJob(ctx context.Context, job *vault.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return vault.ErrConflictingState
	}
	r.jobs[job.ID] = copyJob(job)
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*vault.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, vault.ErrNotFound
	}
	return copyJob(job), nil
}

func (r *Repository) TransitionJob(ctx context.Context, id uuid.UUID, t vault.Transition, now time.Time) (*vault.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, vault.ErrNotFound
	}
	if !slices.Contains(t.From, job.State) {
		return nil, vault.ErrConflictingState
	}
	if t.ExpectVersion != 0 && job.Version != t.ExpectVersion {
		return nil, vault.ErrConflictingState
	}

	job.State = t.To
	job.Version++
	job.UpdatedAt = now
	if t.Claim {
		job.AttemptCount++
		started := now
		job.StartedAt = &started
	}
	if t.OutputRef != nil {
		job.OutputRef = *t.OutputRef
	}
	if t.LastError != nil {
		job.LastError = *t.LastError
	}
	if t.NextAttemptAt != nil {
		job.NextAttemptAt = *t.NextAttemptAt
	}
	if t.Permanent != nil {
		job.PermanentFailure = *t.Permanent
	}
	return copyJob(job), nil
}

func (r *Repository) ListDueJobs(ctx context.Context, kind vault.JobKind, asOf time.Time, after *vault.DueCursor, limit int) ([]*vault.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*vault.Job
	for _, job := range r.jobs {
		if job.Kind != kind || job.State != vault.JobStatePending || job.NextAttemptAt.After(asOf) {
			continue
		}
		if after != nil && !dueAfter(job, after) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		return dueLess(due[i], due[j])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	result := make([]*vault.Job, len(due))
	for i, job := range due {
		result[i] = copyJob(job)
	}
	return result, nil
}

func (r *Repository) ListJobsByPlan(ctx context.Context, planID uuid.UUID) ([]*vault.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*vault.Job
	for _, job := range r.jobs {
		if job.PlanID != nil && *job.PlanID == planID {
			result = append(result, copyJob(job))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ScheduledAt.Equal(result[j].ScheduledAt) {
			return result[i].ScheduledAt.Before(result[j].ScheduledAt)
		}
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) < 0
	})
	return result, nil
}

func (r *Repository) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*vault.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*vault.Job
	for _, job := range r.jobs {
		switch job.State {
		case vault.JobStateRunning:
			if job.StartedAt != nil && job.StartedAt.Before(cutoff) {
				result = append(result, copyJob(job))
			}
		case vault.JobStateFailed:
			if job.UpdatedAt.Before(cutoff) {
				result = append(result, copyJob(job))
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) < 0
	})
	return result, nil
}

// Plan operations

func (r *Repository) CreatePlan(ctx context.Context, plan *vault.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plans[plan.ID]; exists {
		return vault.ErrConflictingState
	}
	planCopy := *plan
	r.plans[plan.ID] = &planCopy
	return nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*vault.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, exists := r.plans[id]
	if !exists || plan.DeletedAt != nil {
		return nil, vault.ErrNotFound
	}
	planCopy := *plan
	return &planCopy, nil
}

func (r *Repository) DeletePlan(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan, exists := r.plans[id]
	if !exists || plan.DeletedAt != nil {
		return vault.ErrNotFound
	}
	deletedAt := at
	plan.DeletedAt = &deletedAt
	return nil
}

// Style operations

func (r *Repository) CreateStyle(ctx context.Context, style *vault.StyleDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.styles[style.ID]; exists {
		return vault.ErrConflictingState
	}
	r.styles[style.ID] = copyStyle(style)
	return nil
}

func (r *Repository) GetStyle(ctx context.Context, id string) (*vault.StyleDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	style, exists := r.styles[id]
	if !exists {
		return nil, vault.ErrNotFound
	}
	return copyStyle(style), nil
}

func (r *Repository) ListStyles(ctx context.Context) ([]*vault.StyleDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(r.styles))
	result := make([]*vault.StyleDescriptor, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyStyle(r.styles[id]))
	}
	return result, nil
}

func dueLess(a, b *vault.Job) bool {
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func dueAfter(job *vault.Job, cursor *vault.DueCursor) bool {
	if !job.NextAttemptAt.Equal(cursor.NextAttemptAt) {
		return job.NextAttemptAt.After(cursor.NextAttemptAt)
	}
	return bytes.Compare(job.ID[:], cursor.ID[:]) > 0
}

// Records are copied on the way in and out so callers never share state
// with the repository.

func copyAsset(a *vault.Asset) *vault.Asset {
	c := *a
	if a.SourceAssetID != nil {
		src := *a.SourceAssetID
		c.SourceAssetID = &src
	}
	return &c
}

func copyJob(j *vault.Job) *vault.Job {
	c := *j
	if j.PlanID != nil {
		planID := *j.PlanID
		c.PlanID = &planID
	}
	if j.StartedAt != nil {
		started := *j.StartedAt
		c.StartedAt = &started
	}
	if j.Metadata != nil {
		c.Metadata = maps.Clone(j.Metadata)
	}
	return &c
}

func copyStyle(s *vault.StyleDescriptor) *vault.StyleDescriptor {
	c := *s
	c.Parameters = maps.Clone(s.Parameters)
	return &c
}

var _ vault.Repository = (*Repository)(nil)
