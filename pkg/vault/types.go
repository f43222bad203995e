package vault

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// AssetKind distinguishes uploaded media from transformation output.
type AssetKind string

const (
	AssetKindRaw     AssetKind = "raw"
	AssetKindDerived AssetKind = "derived"
)

// JobKind identifies which worker loop owns a job.
type JobKind string

const (
	JobKindTransform JobKind = "transform"
	JobKindPublish   JobKind = "publish"
)

// JobState is a node in the job state machine.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateExhausted JobState = "exhausted"
	JobStateCancelled JobState = "cancelled"
)

// Asset is a raw or derived media unit. Bytes live in a BlobStore under
// ObjectKey; the record is the Asset Store's metadata.
type Asset struct {
	ID            uuid.UUID  `json:"id"`
	Kind          AssetKind  `json:"kind"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	StorageName   string     `json:"storage_name"`
	ObjectKey     string     `json:"object_key"`
	MimeType      string     `json:"mime_type,omitempty"`
	FileName      string     `json:"file_name,omitempty"`
	ContentHash   string     `json:"content_hash"`
	SizeBytes     int64      `json:"size_bytes"`
	SourceAssetID *uuid.UUID `json:"source_asset_id,omitempty"`
	StyleID       string     `json:"style_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsDerived reports whether the asset is transformation output.
func (a *Asset) IsDerived() bool {
	return a.Kind == AssetKindDerived
}

// StyleDescriptor is an immutable, named bundle of transformation
// parameters. ID carries the version, e.g. "studio@v1".
type StyleDescriptor struct {
	ID         string            `json:"id" toml:"id"`
	Name       string            `json:"name" toml:"name"`
	Version    int               `json:"version" toml:"version"`
	Mood       string            `json:"mood,omitempty" toml:"mood"`
	Parameters map[string]string `json:"parameters" toml:"parameters"`
	CreatedAt  time.Time         `json:"created_at" toml:"-"`
}

// Job is a unit of orchestrated work. Input fields depend on Kind:
// transform jobs carry SourceAssetID and StyleID; publish jobs carry
// SourceAssetID (the derived artifact), PlanID, Platform and ScheduledAt.
type Job struct {
	ID               uuid.UUID         `json:"id"`
	Kind             JobKind           `json:"kind"`
	State            JobState          `json:"state"`
	OwnerID          uuid.UUID         `json:"owner_id"`
	SourceAssetID    uuid.UUID         `json:"source_asset_id"`
	StyleID          string            `json:"style_id,omitempty"`
	PlanID           *uuid.UUID        `json:"plan_id,omitempty"`
	Platform         string            `json:"platform,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ScheduledAt      time.Time         `json:"scheduled_at"`
	NextAttemptAt    time.Time         `json:"next_attempt_at"`
	OutputRef        string            `json:"output_ref,omitempty"`
	AttemptCount     int               `json:"attempt_count"`
	MaxAttempts      int               `json:"max_attempts"`
	LastError        string            `json:"last_error,omitempty"`
	PermanentFailure bool              `json:"permanent_failure,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Plan is the metadata half of a distribution plan. Constituent job state
// lives only in the ledger; see PlanView.
type Plan struct {
	ID             uuid.UUID  `json:"id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	DerivedAssetID uuid.UUID  `json:"derived_asset_id"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// PlanEntry is one (platform, time) pair requested for a plan.
type PlanEntry struct {
	Platform    string            `json:"platform"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PlanView composes plan metadata with the live job records.
type PlanView struct {
	Plan *Plan  `json:"plan"`
	Jobs []*Job `json:"jobs"`
}

// CancelResult reports the outcome of CancelPlan.
type CancelResult struct {
	PlanID         uuid.UUID   `json:"plan_id"`
	Cancelled      []uuid.UUID `json:"cancelled"`
	NotCancellable []*Job      `json:"not_cancellable"`
	Deleted        bool        `json:"deleted"`
}

// Transition describes an atomic compare-and-set on a job.
// The ledger applies it only when the job's state is in From and, if
// ExpectVersion is non-zero, the stored version matches.
type Transition struct {
	From          []JobState
	To            JobState
	ExpectVersion int64

	// Side-effect data. Nil pointers leave the stored value unchanged.
	OutputRef     *string
	LastError     *string
	NextAttemptAt *time.Time
	Permanent     *bool
	// Claim increments AttemptCount and stamps StartedAt.
	Claim bool
}

// PutRequest carries the metadata half of AssetStore.Put. Lineage of
// derived assets is recorded separately with AssetStore.Link.
type PutRequest struct {
	// ID is optional; when set the write is idempotent on that id.
	ID       uuid.UUID
	Kind     AssetKind
	OwnerID  uuid.UUID
	MimeType string
	FileName string
}

// ObjectMeta is what a BlobStore can report about a stored object.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
}

// SubmitTransformRequest asks the orchestrator to derive an asset.
type SubmitTransformRequest struct {
	RawAssetID uuid.UUID
	StyleID    string
}

// TransformRequest is sent to the external transformation service.
type TransformRequest struct {
	JobID uuid.UUID
	Asset *Asset
	Style *StyleDescriptor
	Data  io.Reader
}

// TransformResult is what the transformation service returns.
type TransformResult struct {
	Data     []byte
	MimeType string
	FileName string
}

// PublishRequest is sent to a platform sink.
type PublishRequest struct {
	JobID    uuid.UUID
	Platform string
	Asset    *Asset
	Metadata map[string]string
	Data     io.Reader
}

// PublishResult is the sink's success token.
type PublishResult struct {
	Token string
}

// SweepResult summarises a lease sweep.
type SweepResult struct {
	Reclaimed []uuid.UUID `json:"reclaimed"`
	Exhausted []uuid.UUID `json:"exhausted"`
}
