package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// derivedNamespace seeds the deterministic id of a transform job's
// output, so a retried job overwrites rather than duplicates.
var derivedNamespace = uuid.MustParse("6f1d7c6e-3b8a-4f0e-9a51-2c4b8e7d90a1")

// DerivedAssetID returns the id a transform job's output is stored under.
func DerivedAssetID(jobID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(derivedNamespace, jobID[:])
}

// Orchestrator turns raw assets into derived assets by driving transform
// jobs through the external transformation service.
type Orchestrator struct {
	ledger      *Ledger
	assets      *AssetStore
	styles      *StyleCatalog
	transformer Transformer
	loop        *workLoop
	*settings
}

// NewOrchestrator creates an Orchestrator. A nil transformer yields an
// orchestrator that can submit jobs but not process them.
func NewOrchestrator(ledger *Ledger, assets *AssetStore, styles *StyleCatalog, transformer Transformer, options ...Option) (*Orchestrator, error) {
	if ledger == nil || assets == nil || styles == nil {
		return nil, fmt.Errorf("ledger, asset store and style catalog are required")
	}
	s := newSettings(options)
	s.logger = s.logger.With("component", "orchestrator")

	o := &Orchestrator{
		ledger:      ledger,
		assets:      assets,
		styles:      styles,
		transformer: transformer,
		settings:    s,
	}
	o.loop = &workLoop{
		ledger:   ledger,
		kind:     JobKindTransform,
		handle:   o.transform,
		timeout:  s.callTimeout,
		settings: s,
	}
	return o, nil
}

// SubmitTransform creates a pending transform job for a raw asset and
// a registered style.
func (o *Orchestrator) SubmitTransform(ctx context.Context, req SubmitTransformRequest) (*Job, error) {
	raw, err := o.assets.Stat(ctx, req.RawAssetID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: raw asset %s does not exist", ErrInvalidReference, req.RawAssetID)
	}
	if err != nil {
		return nil, err
	}
	if raw.IsDerived() {
		return nil, fmt.Errorf("%w: asset %s is derived; transform the raw original instead", ErrInvalidReference, raw.ID)
	}

	if _, err := o.styles.Get(ctx, req.StyleID); errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: style %q does not exist", ErrInvalidReference, req.StyleID)
	} else if err != nil {
		return nil, err
	}

	job := &Job{
		Kind:          JobKindTransform,
		OwnerID:       raw.OwnerID,
		SourceAssetID: raw.ID,
		StyleID:       req.StyleID,
	}
	if _, err := o.ledger.Create(ctx, job); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "transform submitted", "job_id", job.ID, "asset_id", raw.ID, "style_id", req.StyleID)
	return job, nil
}

// ProcessNext claims and runs one due transform job. It reports whether
// a job was processed.
func (o *Orchestrator) ProcessNext(ctx context.Context) (bool, error) {
	if o.transformer == nil {
		return false, errNoTransformer
	}
	return o.loop.processNext(ctx)
}

// Run processes transform jobs until ctx is cancelled or the ledger
// fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.transformer == nil {
		return errNoTransformer
	}
	return o.loop.run(ctx)
}

var errNoTransformer = errors.New("no transformation service configured")

func (o *Orchestrator) transform(ctx context.Context, job *Job) (string, error) {
	style, err := o.styles.Get(ctx, job.StyleID)
	if err != nil {
		return "", inputFailure(err)
	}

	// An earlier attempt may have stored the output before failing.
	if existing, err := o.assets.Stat(ctx, DerivedAssetID(job.ID)); err == nil {
		if err := o.assets.Link(ctx, existing.ID, job.SourceAssetID, style.ID); err != nil {
			return "", inputFailure(err)
		}
		return existing.ID.String(), nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	rc, raw, err := o.assets.Get(ctx, job.SourceAssetID)
	if err != nil {
		return "", inputFailure(err)
	}
	defer rc.Close()

	callCtx, cancel := o.loop.callContext(ctx)
	result, err := o.transformer.Transform(callCtx, TransformRequest{
		JobID: job.ID,
		Asset: raw,
		Style: style,
		Data:  rc,
	})
	cancel()
	if err != nil {
		return "", serviceFailure("transformer", callCtx, err)
	}
	if result == nil || len(result.Data) == 0 {
		return "", Transient("transformer", errors.New("empty result"))
	}

	mimeType := result.MimeType
	if mimeType == "" {
		mimeType = raw.MimeType
	}
	derived, err := o.assets.Put(ctx, bytes.NewReader(result.Data), PutRequest{
		ID:       DerivedAssetID(job.ID),
		Kind:     AssetKindDerived,
		OwnerID:  raw.OwnerID,
		MimeType: mimeType,
		FileName: result.FileName,
	})
	if err != nil {
		return "", err
	}

	if err := o.assets.Link(ctx, derived.ID, raw.ID, style.ID); err != nil {
		return "", inputFailure(err)
	}
	return derived.ID.String(), nil
}

// inputFailure marks errors about a job's own inputs as permanent:
// retrying cannot bring back a deleted asset or style.
func inputFailure(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidReference) {
		return Permanent("vault", err)
	}
	return err
}
