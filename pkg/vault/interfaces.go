package vault

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore defines the interface for storage backends
type BlobStore interface {
	// Upload writes the object. Implementations must not return nil
	// until the bytes are durable on the backend.
	Upload(ctx context.Context, reader io.Reader, params UploadParams) error

	// Download opens the object for reading
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete removes the object
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)

	// GetDownloadURL returns a URL for downloading the object
	GetDownloadURL(ctx context.Context, objectKey string, downloadFilename string) (string, error)
}

// UploadParams describes an object being uploaded
type UploadParams struct {
	ObjectKey string
	MimeType  string
}

// AssetRepository persists Asset records.
type AssetRepository interface {
	CreateAsset(ctx context.Context, asset *Asset) error
	GetAsset(ctx context.Context, id uuid.UUID) (*Asset, error)
	// DeleteAsset removes an asset record. It fails with
	// ErrConflictingState while a derived asset or a plan refers to it.
	DeleteAsset(ctx context.Context, id uuid.UUID) error
	// LinkAsset records lineage on a derived asset. It fails with
	// ErrConflictingState if the asset already points at a different
	// source or style.
	LinkAsset(ctx context.Context, derivedID, sourceID uuid.UUID, styleID string) error
	ListDerivedAssets(ctx context.Context, sourceID uuid.UUID) ([]*Asset, error)
}

// DueCursor marks the last job seen by a ListDueJobs page.
type DueCursor struct {
	NextAttemptAt time.Time
	ID            uuid.UUID
}

// JobRepository persists Job records. TransitionJob is the only way a
// stored job changes after creation.
type JobRepository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	// TransitionJob applies t atomically. It returns ErrNotFound when the
	// job does not exist and ErrConflictingState when the current state or
	// version does not match.
	TransitionJob(ctx context.Context, id uuid.UUID, t Transition, now time.Time) (*Job, error)
	// ListDueJobs returns up to limit pending jobs of kind with
	// NextAttemptAt <= asOf, ordered by (NextAttemptAt, ID), strictly
	// after the cursor when one is given.
	ListDueJobs(ctx context.Context, kind JobKind, asOf time.Time, after *DueCursor, limit int) ([]*Job, error)
	ListJobsByPlan(ctx context.Context, planID uuid.UUID) ([]*Job, error)
	// ListStaleJobs returns running jobs started before cutoff and failed
	// jobs last updated before cutoff.
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*Job, error)
}

// PlanRepository persists distribution plan metadata.
type PlanRepository interface {
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	DeletePlan(ctx context.Context, id uuid.UUID, at time.Time) error
}

// StyleRepository persists immutable style descriptors.
type StyleRepository interface {
	// CreateStyle fails with ErrConflictingState if the id exists.
	CreateStyle(ctx context.Context, style *StyleDescriptor) error
	GetStyle(ctx context.Context, id string) (*StyleDescriptor, error)
	ListStyles(ctx context.Context) ([]*StyleDescriptor, error)
}

// Repository combines every persistence concern of the vault.
type Repository interface {
	AssetRepository
	JobRepository
	PlanRepository
	StyleRepository
}

// Transformer is the external transformation service.
type Transformer interface {
	Transform(ctx context.Context, req TransformRequest) (*TransformResult, error)
}

// PlatformSink is an external publishing target.
type PlatformSink interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
}

// RateLimiter throttles publishing per platform. Allow takes a slot in
// the platform's current window; Release hands back a slot whose job was
// never run.
type RateLimiter interface {
	Allow(ctx context.Context, platform string) (bool, error)
	Release(ctx context.Context, platform string) error
}

// EventSink defines the interface for event handling
type EventSink interface {
	// AssetStored is fired after an asset is durably stored
	AssetStored(ctx context.Context, asset *Asset) error

	// JobTransitioned is fired after a successful job transition
	JobTransitioned(ctx context.Context, job *Job, from JobState) error
}

// Clock returns the current time.
type Clock func() time.Time
