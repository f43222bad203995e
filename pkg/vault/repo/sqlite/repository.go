package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/content-vault/pkg/vault"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) handleError(operation string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return vault.ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"), strings.Contains(msg, "PRIMARY KEY"):
		return fmt.Errorf("%w: %s", vault.ErrConflictingState, msg)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: referenced record not found", vault.ErrInvalidReference)
	}
	return fmt.Errorf("sqlite error in %s: %w", operation, err)
}

// Asset operations

const assetColumns = `id, kind, owner_id, storage_name, object_key, mime_type, file_name,
	content_hash, size_bytes, source_asset_id, COALESCE(style_id, ''), created_at`

func scanAsset(row rowScanner) (*vault.Asset, error) {
	var (
		a         vault.Asset
		id, owner string
		source    sql.NullString
		created   string
	)
	if err := row.Scan(&id, &a.Kind, &owner, &a.StorageName, &a.ObjectKey, &a.MimeType, &a.FileName,
		&a.ContentHash, &a.SizeBytes, &source, &a.StyleID, &created); err != nil {
		return nil, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if a.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, err
	}
	if source.Valid {
		src, err := uuid.Parse(source.String)
		if err != nil {
			return nil, err
		}
		a.SourceAssetID = &src
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repository) CreateAsset(ctx context.Context, asset *vault.Asset) error {
	_, err := r.execWithRetry(ctx, `
		INSERT INTO vault_asset (
			id, kind, owner_id, storage_name, object_key, mime_type, file_name,
			content_hash, size_bytes, source_asset_id, style_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.ID.String(), string(asset.Kind), asset.OwnerID.String(), asset.StorageName, asset.ObjectKey,
		asset.MimeType, asset.FileName, asset.ContentHash, asset.SizeBytes,
		nullUUID(asset.SourceAssetID), nullString(asset.StyleID), formatTime(asset.CreatedAt))
	if err != nil {
		return r.handleError("create asset", err)
	}
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*vault.Asset, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM vault_asset WHERE id = ?`, id.String())
	asset, err := scanAsset(row)
	if err != nil {
		return nil, r.handleError("get asset", err)
	}
	return asset, nil
}

func (r *Repository) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	res, err := r.execWithRetry(ctx, `
		DELETE FROM vault_asset
		WHERE id = ?1
		  AND NOT EXISTS (SELECT 1 FROM vault_asset WHERE source_asset_id = ?1)
		  AND NOT EXISTS (SELECT 1 FROM vault_plan WHERE derived_asset_id = ?1)`, id.String())
	if err != nil {
		return r.handleError("delete asset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetAsset(ctx, id); err != nil {
			return err
		}
		return vault.ErrConflictingState
	}
	return nil
}

func (r *Repository) LinkAsset(ctx context.Context, derivedID, sourceID uuid.UUID, styleID string) error {
	res, err := r.execWithRetry(ctx, `
		UPDATE vault_asset SET source_asset_id = ?2, style_id = ?3
		WHERE id = ?1
		  AND (source_asset_id IS NULL OR (source_asset_id = ?2 AND style_id = ?3))`,
		derivedID.String(), sourceID.String(), styleID)
	if err != nil {
		return r.handleError("link asset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrConflict(ctx, "vault_asset", derivedID)
	}
	return nil
}

func (r *Repository) ListDerivedAssets(ctx context.Context, sourceID uuid.UUID) ([]*vault.Asset, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM vault_asset WHERE source_asset_id = ? ORDER BY created_at, id`,
		sourceID.String())
	if err != nil {
		return nil, r.handleError("list derived assets", err)
	}
	defer rows.Close()

	var assets []*vault.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, r.handleError("scan asset", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleError("list derived assets", err)
	}
	return assets, nil
}

// Job operations

const jobColumns = `id, kind, state, owner_id, source_asset_id, style_id, plan_id, platform, metadata,
	scheduled_at, next_attempt_at, output_ref, attempt_count, max_attempts, last_error,
	permanent_failure, started_at, version, created_at, updated_at`

func scanJob(row rowScanner) (*vault.Job, error) {
	var (
		j                                 vault.Job
		id, owner, source                 string
		planID, metadata, started         sql.NullString
		scheduled, next, created, updated string
	)
	if err := row.Scan(&id, &j.Kind, &j.State, &owner, &source, &j.StyleID, &planID, &j.Platform, &metadata,
		&scheduled, &next, &j.OutputRef, &j.AttemptCount, &j.MaxAttempts, &j.LastError,
		&j.PermanentFailure, &started, &j.Version, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if j.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, err
	}
	if j.SourceAssetID, err = uuid.Parse(source); err != nil {
		return nil, err
	}
	if planID.Valid {
		p, err := uuid.Parse(planID.String)
		if err != nil {
			return nil, err
		}
		j.PlanID = &p
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	if j.ScheduledAt, err = parseTime(scheduled); err != nil {
		return nil, err
	}
	if j.NextAttemptAt, err = parseTime(next); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) queryJobs(ctx context.Context, op, query string, args ...any) ([]*vault.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.handleError(op, err)
	}
	defer rows.Close()

	var jobs []*vault.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, r.handleError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleError(op, err)
	}
	return jobs, nil
}

func (r *Repository) CreateJob(ctx context.Context, job *vault.Job) error {
	var metadata any
	if job.Metadata != nil {
		encoded, err := json.Marshal(job.Metadata)
		if err != nil {
			return fmt.Errorf("encode job metadata: %w", err)
		}
		metadata = string(encoded)
	}

	_, err := r.execWithRetry(ctx, `
		INSERT INTO vault_job (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), string(job.Kind), string(job.State), job.OwnerID.String(), job.SourceAssetID.String(),
		job.StyleID, nullUUID(job.PlanID), job.Platform, metadata,
		formatTime(job.ScheduledAt), formatTime(job.NextAttemptAt), job.OutputRef, job.AttemptCount,
		job.MaxAttempts, job.LastError, job.PermanentFailure, formatTimePtr(job.StartedAt), job.Version,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return r.handleError("create job", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*vault.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM vault_job WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if err != nil {
		return nil, r.handleError("get job", err)
	}
	return job, nil
}

// TransitionJob performs the compare-and-set as one UPDATE ... RETURNING
// statement, which SQLite executes atomically.
func (r *Repository) TransitionJob(ctx context.Context, id uuid.UUID, t vault.Transition, now time.Time) (*vault.Job, error) {
	args := []any{
		string(t.To),
		formatTime(now),
		t.Claim,
		t.OutputRef,
		t.LastError,
		formatTimePtr(t.NextAttemptAt),
		t.Permanent,
		id.String(),
		t.ExpectVersion,
	}
	for _, s := range t.From {
		args = append(args, string(s))
	}

	query := `
		UPDATE vault_job SET
			state = ?1,
			version = version + 1,
			updated_at = ?2,
			attempt_count = attempt_count + CASE WHEN ?3 THEN 1 ELSE 0 END,
			started_at = CASE WHEN ?3 THEN ?2 ELSE started_at END,
			output_ref = COALESCE(?4, output_ref),
			last_error = COALESCE(?5, last_error),
			next_attempt_at = COALESCE(?6, next_attempt_at),
			permanent_failure = COALESCE(?7, permanent_failure)
		WHERE id = ?8 AND (?9 = 0 OR version = ?9) AND state IN (` + numbered(10, len(t.From)) + `)
		RETURNING ` + jobColumns

	var job *vault.Job
	err := retryOnBusy(ctx, func() error {
		var scanErr error
		job, scanErr = scanJob(r.db.QueryRowContext(ctx, query, args...))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missingOrConflict(ctx, "vault_job", id)
	}
	if err != nil {
		return nil, r.handleError("transition job", err)
	}
	return job, nil
}

// numbered returns "?start, ?start+1, ..." for n parameters.
func numbered(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("?%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func (r *Repository) ListDueJobs(ctx context.Context, kind vault.JobKind, asOf time.Time, after *vault.DueCursor, limit int) ([]*vault.Job, error) {
	args := []any{string(kind), formatTime(asOf), limit}
	cursor := ""
	if after != nil {
		cursor = `AND (next_attempt_at > ?4 OR (next_attempt_at = ?4 AND id > ?5))`
		args = append(args, formatTime(after.NextAttemptAt), after.ID.String())
	}
	return r.queryJobs(ctx, "list due jobs", `
		SELECT `+jobColumns+` FROM vault_job
		WHERE kind = ?1 AND state = 'pending' AND next_attempt_at <= ?2 `+cursor+`
		ORDER BY next_attempt_at, id
		LIMIT ?3`, args...)
}

func (r *Repository) ListJobsByPlan(ctx context.Context, planID uuid.UUID) ([]*vault.Job, error) {
	return r.queryJobs(ctx, "list plan jobs",
		`SELECT `+jobColumns+` FROM vault_job WHERE plan_id = ? ORDER BY scheduled_at, id`, planID.String())
}

func (r *Repository) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*vault.Job, error) {
	c := formatTime(cutoff)
	return r.queryJobs(ctx, "list stale jobs", `
		SELECT `+jobColumns+` FROM vault_job
		WHERE (state = 'running' AND started_at < ?1)
		   OR (state = 'failed' AND updated_at < ?1)
		ORDER BY id`, c)
}

// Plan operations

func (r *Repository) CreatePlan(ctx context.Context, plan *vault.Plan) error {
	_, err := r.execWithRetry(ctx,
		`INSERT INTO vault_plan (id, owner_id, derived_asset_id, created_at) VALUES (?, ?, ?, ?)`,
		plan.ID.String(), plan.OwnerID.String(), plan.DerivedAssetID.String(), formatTime(plan.CreatedAt))
	if err != nil {
		return r.handleError("create plan", err)
	}
	return nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*vault.Plan, error) {
	var (
		p                 vault.Plan
		pid, owner, asset string
		created           string
		deleted           sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, derived_asset_id, created_at, deleted_at
		FROM vault_plan WHERE id = ? AND deleted_at IS NULL`, id.String()).
		Scan(&pid, &owner, &asset, &created, &deleted)
	if err != nil {
		return nil, r.handleError("get plan", err)
	}
	if p.ID, err = uuid.Parse(pid); err != nil {
		return nil, err
	}
	if p.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, err
	}
	if p.DerivedAssetID, err = uuid.Parse(asset); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.DeletedAt, err = parseNullTime(deleted); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) DeletePlan(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.execWithRetry(ctx,
		`UPDATE vault_plan SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, formatTime(at), id.String())
	if err != nil {
		return r.handleError("delete plan", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrNotFound
	}
	return nil
}

// Style operations

func (r *Repository) CreateStyle(ctx context.Context, style *vault.StyleDescriptor) error {
	params, err := json.Marshal(style.Parameters)
	if err != nil {
		return fmt.Errorf("encode style parameters: %w", err)
	}
	_, err = r.execWithRetry(ctx,
		`INSERT INTO vault_style (id, name, version, mood, parameters, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		style.ID, style.Name, style.Version, style.Mood, string(params), formatTime(style.CreatedAt))
	if err != nil {
		return r.handleError("create style", err)
	}
	return nil
}

func scanStyle(row rowScanner) (*vault.StyleDescriptor, error) {
	var (
		s               vault.StyleDescriptor
		params, created string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Version, &s.Mood, &params, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &s.Parameters); err != nil {
		return nil, fmt.Errorf("decode style parameters: %w", err)
	}
	var err error
	if s.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetStyle(ctx context.Context, id string) (*vault.StyleDescriptor, error) {
	style, err := scanStyle(r.db.QueryRowContext(ctx,
		`SELECT id, name, version, mood, parameters, created_at FROM vault_style WHERE id = ?`, id))
	if err != nil {
		return nil, r.handleError("get style", err)
	}
	return style, nil
}

func (r *Repository) ListStyles(ctx context.Context) ([]*vault.StyleDescriptor, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, version, mood, parameters, created_at FROM vault_style ORDER BY id`)
	if err != nil {
		return nil, r.handleError("list styles", err)
	}
	defer rows.Close()

	var styles []*vault.StyleDescriptor
	for rows.Next() {
		style, err := scanStyle(rows)
		if err != nil {
			return nil, r.handleError("scan style", err)
		}
		styles = append(styles, style)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handleError("list styles", err)
	}
	return styles, nil
}

// missingOrConflict tells a missing row apart from one whose guard failed.
func (r *Repository) missingOrConflict(ctx context.Context, table string, id uuid.UUID) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+` WHERE id = ?`, id.String()).Scan(&exists)
	if err != nil {
		return r.handleError("check existence", err)
	}
	if exists == 0 {
		return vault.ErrNotFound
	}
	return vault.ErrConflictingState
}

var _ vault.Repository = (*Repository)(nil)
