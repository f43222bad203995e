package vault

import (
	"context"
	"log/slog"
)

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// AssetStored does nothing and returns nil
func (n *NoopEventSink) AssetStored(ctx context.Context, asset *Asset) error {
	return nil
}

// JobTransitioned does nothing and returns nil
func (n *NoopEventSink) JobTransitioned(ctx context.Context, job *Job, from JobState) error {
	return nil
}

// LogEventSink writes every event to a structured logger.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink creates an event sink that logs at info level
func NewLogEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger.With("component", "events")}
}

func (l *LogEventSink) AssetStored(ctx context.Context, asset *Asset) error {
	l.logger.InfoContext(ctx, "asset stored",
		"asset_id", asset.ID, "kind", asset.Kind, "owner_id", asset.OwnerID,
		"size", asset.SizeBytes, "hash", asset.ContentHash)
	return nil
}

func (l *LogEventSink) JobTransitioned(ctx context.Context, job *Job, from JobState) error {
	l.logger.InfoContext(ctx, "job transitioned",
		"job_id", job.ID, "kind", job.Kind, "from", from, "to", job.State,
		"attempt", job.AttemptCount, "version", job.Version)
	return nil
}
