package vault

import (
	"log/slog"
	"time"
)

// settings holds the knobs shared by the vault components.
type settings struct {
	logger         *slog.Logger
	clock          Clock
	eventSink      EventSink
	retry          RetryPolicy
	leaseTimeout   time.Duration
	callTimeout    time.Duration
	pollInterval   time.Duration
	scheduleGrace  time.Duration
	batchSize      int
	allowedTypes   []string
	blobStores     map[string]BlobStore
	defaultStorage string
	sinks          map[string]PlatformSink
	defaultSink    PlatformSink
	limiter        RateLimiter
}

// Option represents a functional option for configuring a component
type Option func(*settings)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock, mainly for tests
func WithClock(clock Clock) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

// WithEventSink sets the event sink
func WithEventSink(sink EventSink) Option {
	return func(s *settings) {
		s.eventSink = sink
	}
}

// WithRetryPolicy sets max attempts and backoff bounds for new jobs
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *settings) {
		s.retry = policy
	}
}

// WithLeaseTimeout sets how long a job may stay running before the sweep reclaims it
func WithLeaseTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.leaseTimeout = d
	}
}

// WithCallTimeout bounds each call to the transformation service or a platform sink
func WithCallTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.callTimeout = d
	}
}

// WithPollInterval sets how long an idle worker waits before polling again
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		s.pollInterval = d
	}
}

// WithScheduleGrace sets how far in the past a plan entry may be scheduled
func WithScheduleGrace(d time.Duration) Option {
	return func(s *settings) {
		s.scheduleGrace = d
	}
}

// WithBatchSize sets the page size used when listing due jobs
func WithBatchSize(n int) Option {
	return func(s *settings) {
		s.batchSize = n
	}
}

// WithAllowedMimeTypes restricts raw uploads to the given types.
// An empty list accepts everything.
func WithAllowedMimeTypes(types ...string) Option {
	return func(s *settings) {
		s.allowedTypes = types
	}
}

// WithBlobStore adds a blob storage backend. The first backend added
// becomes the default unless WithDefaultStorage says otherwise.
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *settings) {
		if s.blobStores == nil {
			s.blobStores = make(map[string]BlobStore)
		}
		s.blobStores[name] = store
		if s.defaultStorage == "" {
			s.defaultStorage = name
		}
	}
}

// WithDefaultStorage names the backend new assets are written to
func WithDefaultStorage(name string) Option {
	return func(s *settings) {
		s.defaultStorage = name
	}
}

// WithSink registers the publishing sink for a platform
func WithSink(platform string, sink PlatformSink) Option {
	return func(s *settings) {
		if s.sinks == nil {
			s.sinks = make(map[string]PlatformSink)
		}
		s.sinks[platform] = sink
	}
}

// WithDefaultSink handles platforms without a dedicated sink
func WithDefaultSink(sink PlatformSink) Option {
	return func(s *settings) {
		s.defaultSink = sink
	}
}

// WithRateLimiter throttles publishing per platform
func WithRateLimiter(limiter RateLimiter) Option {
	return func(s *settings) {
		s.limiter = limiter
	}
}

func newSettings(options []Option) *settings {
	s := &settings{
		logger:        slog.Default(),
		clock:         time.Now,
		eventSink:     NewNoopEventSink(),
		retry:         DefaultRetryPolicy,
		leaseTimeout:  15 * time.Minute,
		callTimeout:   5 * time.Minute,
		pollInterval:  5 * time.Second,
		scheduleGrace: time.Minute,
		batchSize:     100,
		blobStores:    make(map[string]BlobStore),
		sinks:         make(map[string]PlatformSink),
	}
	for _, option := range options {
		option(s)
	}
	s.retry = s.retry.normalize()
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	return s
}

func (s *settings) now() time.Time {
	return s.clock().UTC()
}
