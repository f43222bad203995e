package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/content-vault/pkg/vault"
)

//go:embed schema.sql
var schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements vault.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Migrate creates the vault tables if they do not exist
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return r.handlePostgresError("migrate", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: duplicate %s", vault.ErrConflictingState, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: referenced record not found (%s)", vault.ErrInvalidReference, pgErr.ConstraintName)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: required field %s is missing", vault.ErrValidation, pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Asset operations

const assetColumns = `id, kind, owner_id, storage_name, object_key, mime_type, file_name,
	content_hash, size_bytes, source_asset_id, COALESCE(style_id, ''), created_at`

func scanAsset(row pgx.Row) (*vault.Asset, error) {
	var a vault.Asset
	err := row.Scan(&a.ID, &a.Kind, &a.OwnerID, &a.StorageName, &a.ObjectKey, &a.MimeType, &a.FileName,
		&a.ContentHash, &a.SizeBytes, &a.SourceAssetID, &a.StyleID, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) CreateAsset(ctx context.Context, asset *vault.Asset) error {
	query := `
		INSERT INTO vault_asset (
			id, kind, owner_id, storage_name, object_key, mime_type, file_name,
			content_hash, size_bytes, source_asset_id, style_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)`

	_, err := r.db.Exec(ctx, query,
		asset.ID, asset.Kind, asset.OwnerID, asset.StorageName, asset.ObjectKey, asset.MimeType, asset.FileName,
		asset.ContentHash, asset.SizeBytes, asset.SourceAssetID, asset.StyleID, asset.CreatedAt)
	if err != nil {
		return r.handlePostgresError("create asset", err)
	}
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*vault.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM vault_asset WHERE id = $1`
	asset, err := scanAsset(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, r.handlePostgresError("get asset", err)
	}
	return asset, nil
}

func (r *Repository) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM vault_asset
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM vault_asset WHERE source_asset_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM vault_plan WHERE derived_asset_id = $1)`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return r.handlePostgresError("delete asset", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetAsset(ctx, id); err != nil {
			return err
		}
		return vault.ErrConflictingState
	}
	return nil
}

func (r *Repository) LinkAsset(ctx context.Context, derivedID, sourceID uuid.UUID, styleID string) error {
	query := `
		UPDATE vault_asset SET source_asset_id = $2, style_id = $3
		WHERE id = $1
		  AND (source_asset_id IS NULL OR (source_asset_id = $2 AND style_id = $3))`

	tag, err := r.db.Exec(ctx, query, derivedID, sourceID, styleID)
	if err != nil {
		return r.handlePostgresError("link asset", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, "vault_asset", derivedID)
	}
	return nil
}

func (r *Repository) ListDerivedAssets(ctx context.Context, sourceID uuid.UUID) ([]*vault.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM vault_asset WHERE source_asset_id = $1 ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, sourceID)
	if err != nil {
		return nil, r.handlePostgresError("list derived assets", err)
	}
	defer rows.Close()

	var assets []*vault.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan asset", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list derived assets", err)
	}
	return assets, nil
}

// Job operations

const jobColumns = `id, kind, state, owner_id, source_asset_id, style_id, plan_id, platform, metadata,
	scheduled_at, next_attempt_at, output_ref, attempt_count, max_attempts, last_error,
	permanent_failure, started_at, version, created_at, updated_at`

func scanJob(row pgx.Row) (*vault.Job, error) {
	var j vault.Job
	err := row.Scan(&j.ID, &j.Kind, &j.State, &j.OwnerID, &j.SourceAssetID, &j.StyleID, &j.PlanID, &j.Platform, &j.Metadata,
		&j.ScheduledAt, &j.NextAttemptAt, &j.OutputRef, &j.AttemptCount, &j.MaxAttempts, &j.LastError,
		&j.PermanentFailure, &j.StartedAt, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.ScheduledAt = j.ScheduledAt.UTC()
	j.NextAttemptAt = j.NextAttemptAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if j.StartedAt != nil {
		started := j.StartedAt.UTC()
		j.StartedAt = &started
	}
	return &j, nil
}

func (r *Repository) collectJobs(rows pgx.Rows, op string) ([]*vault.Job, error) {
	defer rows.Close()

	var jobs []*vault.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, r.handlePostgresError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	return jobs, nil
}

func (r *Repository) CreateJob(ctx context.Context, job *vault.Job) error {
	query := `
		INSERT INTO vault_job (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := r.db.Exec(ctx, query,
		job.ID, job.Kind, job.State, job.OwnerID, job.SourceAssetID, job.StyleID, job.PlanID, job.Platform, job.Metadata,
		job.ScheduledAt, job.NextAttemptAt, job.OutputRef, job.AttemptCount, job.MaxAttempts, job.LastError,
		job.PermanentFailure, job.StartedAt, job.Version, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create job", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*vault.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM vault_job WHERE id = $1`
	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, r.handlePostgresError("get job", err)
	}
	return job, nil
}

// TransitionJob performs the compare-and-set in a single UPDATE; the
// row lock taken by the UPDATE serialises concurrent callers and the
// loser re-evaluates the WHERE clause against the winner's row.
func (r *Repository) TransitionJob(ctx context.Context, id uuid.UUID, t vault.Transition, now time.Time) (*vault.Job, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	query := `
		UPDATE vault_job SET
			state = $3,
			version = version + 1,
			updated_at = $4,
			attempt_count = attempt_count + CASE WHEN $5::boolean THEN 1 ELSE 0 END,
			started_at = CASE WHEN $5::boolean THEN $4 ELSE started_at END,
			output_ref = COALESCE($6, output_ref),
			last_error = COALESCE($7, last_error),
			next_attempt_at = COALESCE($8, next_attempt_at),
			permanent_failure = COALESCE($9, permanent_failure)
		WHERE id = $1 AND state = ANY($2) AND ($10::bigint = 0 OR version = $10::bigint)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query,
		id, from, t.To, now, t.Claim, t.OutputRef, t.LastError, t.NextAttemptAt, t.Permanent, t.ExpectVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrConflict(ctx, "vault_job", id)
	}
	if err != nil {
		return nil, r.handlePostgresError("transition job", err)
	}
	return job, nil
}

func (r *Repository) ListDueJobs(ctx context.Context, kind vault.JobKind, asOf time.Time, after *vault.DueCursor, limit int) ([]*vault.Job, error) {
	args := []interface{}{kind, asOf, limit}
	cursor := ""
	if after != nil {
		cursor = `AND (next_attempt_at, id) > ($4, $5)`
		args = append(args, after.NextAttemptAt, after.ID)
	}
	query := `
		SELECT ` + jobColumns + ` FROM vault_job
		WHERE kind = $1 AND state = 'pending' AND next_attempt_at <= $2 ` + cursor + `
		ORDER BY next_attempt_at, id
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list due jobs", err)
	}
	return r.collectJobs(rows, "list due jobs")
}

func (r *Repository) ListJobsByPlan(ctx context.Context, planID uuid.UUID) ([]*vault.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM vault_job WHERE plan_id = $1 ORDER BY scheduled_at, id`
	rows, err := r.db.Query(ctx, query, planID)
	if err != nil {
		return nil, r.handlePostgresError("list plan jobs", err)
	}
	return r.collectJobs(rows, "list plan jobs")
}

func (r *Repository) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*vault.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM vault_job
		WHERE (state = 'running' AND started_at < $1)
		   OR (state = 'failed' AND updated_at < $1)
		ORDER BY id`
	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, r.handlePostgresError("list stale jobs", err)
	}
	return r.collectJobs(rows, "list stale jobs")
}

// Plan operations

func (r *Repository) CreatePlan(ctx context.Context, plan *vault.Plan) error {
	query := `
		INSERT INTO vault_plan (id, owner_id, derived_asset_id, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := r.db.Exec(ctx, query, plan.ID, plan.OwnerID, plan.DerivedAssetID, plan.CreatedAt); err != nil {
		return r.handlePostgresError("create plan", err)
	}
	return nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*vault.Plan, error) {
	query := `
		SELECT id, owner_id, derived_asset_id, created_at, deleted_at
		FROM vault_plan WHERE id = $1 AND deleted_at IS NULL`

	var p vault.Plan
	err := r.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.OwnerID, &p.DerivedAssetID, &p.CreatedAt, &p.DeletedAt)
	if err != nil {
		return nil, r.handlePostgresError("get plan", err)
	}
	return &p, nil
}

func (r *Repository) DeletePlan(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE vault_plan SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return r.handlePostgresError("delete plan", err)
	}
	if tag.RowsAffected() == 0 {
		return vault.ErrNotFound
	}
	return nil
}

// Style operations

func (r *Repository) CreateStyle(ctx context.Context, style *vault.StyleDescriptor) error {
	query := `
		INSERT INTO vault_style (id, name, version, mood, parameters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, query, style.ID, style.Name, style.Version, style.Mood, style.Parameters, style.CreatedAt)
	if err != nil {
		return r.handlePostgresError("create style", err)
	}
	return nil
}

func (r *Repository) GetStyle(ctx context.Context, id string) (*vault.StyleDescriptor, error) {
	query := `SELECT id, name, version, mood, parameters, created_at FROM vault_style WHERE id = $1`
	var s vault.StyleDescriptor
	err := r.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.Version, &s.Mood, &s.Parameters, &s.CreatedAt)
	if err != nil {
		return nil, r.handlePostgresError("get style", err)
	}
	return &s, nil
}

func (r *Repository) ListStyles(ctx context.Context) ([]*vault.StyleDescriptor, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, version, mood, parameters, created_at FROM vault_style ORDER BY id`)
	if err != nil {
		return nil, r.handlePostgresError("list styles", err)
	}
	defer rows.Close()

	var styles []*vault.StyleDescriptor
	for rows.Next() {
		var s vault.StyleDescriptor
		if err := rows.Scan(&s.ID, &s.Name, &s.Version, &s.Mood, &s.Parameters, &s.CreatedAt); err != nil {
			return nil, r.handlePostgresError("scan style", err)
		}
		styles = append(styles, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list styles", err)
	}
	return styles, nil
}

// missingOrConflict tells a missing row apart from one whose guard failed.
func (r *Repository) missingOrConflict(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return r.handlePostgresError("check existence", err)
	}
	if !exists {
		return vault.ErrNotFound
	}
	return vault.ErrConflictingState
}

var _ vault.Repository = (*Repository)(nil)
