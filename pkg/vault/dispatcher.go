package vault

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Dispatcher publishes due publish jobs to their platform sinks.
type Dispatcher struct {
	ledger *Ledger
	assets *AssetStore
	loop   *workLoop
	*settings
}

// NewDispatcher creates a Dispatcher. Sinks are registered with
// WithSink and WithDefaultSink; without any the dispatcher cannot run.
func NewDispatcher(ledger *Ledger, assets *AssetStore, options ...Option) (*Dispatcher, error) {
	if ledger == nil || assets == nil {
		return nil, fmt.Errorf("ledger and asset store are required")
	}
	s := newSettings(options)
	s.logger = s.logger.With("component", "dispatcher")

	d := &Dispatcher{ledger: ledger, assets: assets, settings: s}
	d.loop = &workLoop{
		ledger:   ledger,
		kind:     JobKindPublish,
		handle:   d.publish,
		filter:   d.admit,
		release:  d.release,
		timeout:  s.callTimeout,
		settings: s,
	}
	return d, nil
}

// ProcessNext claims and publishes one due job. It reports whether a
// job was processed.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	if !d.hasSinks() {
		return false, errNoSinks
	}
	return d.loop.processNext(ctx)
}

// Run publishes due jobs until ctx is cancelled or the ledger fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.hasSinks() {
		return errNoSinks
	}
	return d.loop.run(ctx)
}

var errNoSinks = errors.New("no platform sinks configured")

func (d *Dispatcher) hasSinks() bool {
	return len(d.sinks) > 0 || d.defaultSink != nil
}

// Platforms lists the platforms with a dedicated sink.
func (d *Dispatcher) Platforms() []string {
	return slices.Sorted(maps.Keys(d.sinks))
}

func (d *Dispatcher) sinkFor(platform string) PlatformSink {
	if sink, ok := d.sinks[platform]; ok {
		return sink
	}
	return d.defaultSink
}

// admit consults the rate limiter. A throttled platform's jobs stay
// pending until a later poll.
func (d *Dispatcher) admit(ctx context.Context, job *Job) bool {
	if d.limiter == nil {
		return true
	}
	ok, err := d.limiter.Allow(ctx, job.Platform)
	if err != nil {
		d.logger.WarnContext(ctx, "rate limiter unavailable, publishing anyway", "platform", job.Platform, "error", err)
		return true
	}
	if !ok {
		d.logger.DebugContext(ctx, "platform throttled", "platform", job.Platform, "job_id", job.ID)
	}
	return ok
}

// release returns the slot admit took for a job another worker claimed.
func (d *Dispatcher) release(ctx context.Context, job *Job) {
	if d.limiter == nil {
		return
	}
	if err := d.limiter.Release(ctx, job.Platform); err != nil {
		d.logger.WarnContext(ctx, "rate limiter release failed", "platform", job.Platform, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, job *Job) (string, error) {
	sink := d.sinkFor(job.Platform)
	if sink == nil {
		return "", Permanent("dispatcher", fmt.Errorf("no sink configured for platform %q", job.Platform))
	}

	rc, asset, err := d.assets.Get(ctx, job.SourceAssetID)
	if err != nil {
		return "", inputFailure(err)
	}
	defer rc.Close()

	callCtx, cancel := d.loop.callContext(ctx)
	result, err := sink.Publish(callCtx, PublishRequest{
		JobID:    job.ID,
		Platform: job.Platform,
		Asset:    asset,
		Metadata: job.Metadata,
		Data:     rc,
	})
	cancel()
	if err != nil {
		return "", serviceFailure("sink:"+job.Platform, callCtx, err)
	}
	if result == nil {
		return "", Transient("sink:"+job.Platform, errors.New("empty response"))
	}
	return result.Token, nil
}
