// Package refresher keeps feature and delta caches warm by polling or
// streaming upstream on behalf of every distinct token scope registered
// with the proxy, deduplicating redundant work via token subsumption.
package refresher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/r3e-edge/flag-edge/infrastructure/logging"
	"github.com/r3e-edge/flag-edge/infrastructure/resilience"
	"github.com/r3e-edge/flag-edge/internal/broadcast"
	"github.com/r3e-edge/flag-edge/internal/clock"
	"github.com/r3e-edge/flag-edge/internal/deltacache"
	"github.com/r3e-edge/flag-edge/internal/featurecache"
	"github.com/r3e-edge/flag-edge/internal/tokens"
	"github.com/r3e-edge/flag-edge/pkg/metrics"
)

// task tracks the live refresh state for one registered token scope.
type task struct {
	token        tokens.Token
	strategy     Strategy
	etag         string
	revision     int
	failureCount int
	cancel       context.CancelFunc
}

// Scheduler owns the set of actively-refreshed token scopes and the
// goroutines that keep them warm.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*task // keyed by tokens.Token.CacheKey()
	started  bool

	features    *featurecache.Cache
	deltas      *deltacache.Manager
	upstream    Upstream
	breaker     *resilience.CircuitBreaker
	retry       resilience.RetryConfig
	broadcaster *broadcast.Broadcaster

	pollInterval time.Duration
	backoff      BackoffPolicy
	clk          clock.Clock
	logger       *logging.Logger

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a Scheduler.
type Config struct {
	PollInterval time.Duration
	Backoff      BackoffPolicy
	Clock        clock.Clock
	Logger       *logging.Logger
	CBConfig     resilience.Config
	RetryConfig  resilience.RetryConfig
	// Broadcaster, if set, is notified of every cache mutation so SSE
	// streaming handlers can wake up and push clients their updates
	// instead of polling the feature cache themselves.
	Broadcaster *broadcast.Broadcaster
}

// New constructs a Scheduler bound to the given caches and upstream client.
func New(features *featurecache.Cache, deltas *deltacache.Manager, upstream Upstream, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoffPolicy(cfg.PollInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Scheduler{
		tasks:        make(map[string]*task),
		features:     features,
		deltas:       deltas,
		upstream:     upstream,
		breaker:      resilience.New(cfg.CBConfig),
		retry:        cfg.RetryConfig,
		pollInterval: cfg.PollInterval,
		backoff:      cfg.Backoff,
		clk:          cfg.Clock,
		logger:       cfg.Logger,
		broadcaster:  cfg.Broadcaster,
	}
}

// RegisterToken adds a token scope to the refresh set, subsuming or being
// subsumed by existing registrations as appropriate. It returns true if a
// genuinely new refresh task was started (as opposed to the token being
// already covered by an existing, broader registration).
func (s *Scheduler) RegisterToken(tok tokens.Token, strategy Strategy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tasks {
		if existing.token.Subsumes(tok) {
			return false
		}
	}

	// This token may subsume one or more existing registrations; stop
	// those tasks since their work is now redundant.
	for key, existing := range s.tasks {
		if tok.Subsumes(existing.token) && !tok.Equal(existing.token) {
			if existing.cancel != nil {
				existing.cancel()
			}
			delete(s.tasks, key)
		}
	}

	t := &task{token: tok, strategy: strategy}
	s.tasks[tok.CacheKey()] = t

	if s.started {
		s.spawn(t)
	}
	return true
}

// Start begins refresh goroutines for every currently registered task and
// blocks until ctx is cancelled, then waits for every spawned task
// (including ones registered after Start) to exit.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group
	s.ctx = gctx
	s.started = true
	for _, t := range s.tasks {
		s.spawn(t)
	}
	s.mu.Unlock()

	<-s.ctx.Done()
	return s.group.Wait()
}

// Stop cancels every running refresh task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// spawn must be called with s.mu held.
func (s *Scheduler) spawn(t *task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	s.group.Go(func() error {
		s.runTask(taskCtx, t)
		return nil
	})
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	if t.strategy == StrategyStreaming {
		s.runStreaming(ctx, t)
		return
	}

	timer := s.clk.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
		}

		err := s.refreshOnce(ctx, t)
		delay := s.pollInterval
		if err != nil {
			t.failureCount++
			delay = s.backoff.Delay(t.failureCount)
			metrics.RefreshAttempts.WithLabelValues(string(t.strategy), t.token.Environment, "failure").Inc()
			if s.logger != nil {
				s.logger.WithFields(map[string]interface{}{
					"environment": t.token.Environment,
					"cache_key":   t.token.CacheKey(),
					"failures":    t.failureCount,
				}).WithError(err).Warn("refresh attempt failed")
			}
		} else {
			t.failureCount = 0
			metrics.RefreshAttempts.WithLabelValues(string(t.strategy), t.token.Environment, "success").Inc()
		}
		metrics.RefreshBackoffSeconds.WithLabelValues(t.token.Environment).Set(delay.Seconds())
		timer.Reset(delay)
	}
}

func (s *Scheduler) refreshOnce(ctx context.Context, t *task) error {
	start := s.clk.Now()
	defer func() {
		metrics.RefreshDuration.WithLabelValues(string(t.strategy), t.token.Environment).Observe(s.clk.Now().Sub(start).Seconds())
	}()

	err := resilience.Retry(ctx, s.retry, func() error {
		return s.breaker.Execute(ctx, func() error {
			switch t.strategy {
			case StrategyPollingDelta:
				return s.refreshDelta(ctx, t)
			default:
				return s.refreshFull(ctx, t)
			}
		})
	})
	if s.logger != nil {
		s.logger.LogUpstreamCall(ctx, t.token.Environment, string(t.strategy), err)
	}
	return err
}

// hydrationDeltaCacheLength is the fixed retained-event window a delta
// cache is (re)seeded with the first time a real upstream Hydration event
// is observed for an environment, overriding whatever default length the
// manager was constructed with.
const hydrationDeltaCacheLength = 100

func (s *Scheduler) refreshFull(ctx context.Context, t *task) error {
	result, err := s.upstream.FetchFeatures(ctx, t.token, t.etag)
	if err != nil {
		return err
	}
	if result.NotModified {
		return nil
	}
	t.etag = result.ETag
	cacheKey := t.token.CacheKey()
	s.features.Modify(cacheKey, t.token.Projects, result.Features)
	s.notifySubscribers(cacheKey, 0)
	return nil
}

func (s *Scheduler) refreshDelta(ctx context.Context, t *task) error {
	result, err := s.upstream.FetchDelta(ctx, t.token, t.revision)
	if err != nil {
		return err
	}
	if result.NotModified {
		return nil
	}
	s.applyDeltaEvents(t, result.Events)
	metrics.DeltaCacheLength.WithLabelValues(t.token.Environment).Set(float64(len(result.Events)))
	return nil
}

func (s *Scheduler) runStreaming(ctx context.Context, t *task) {
	err := s.upstream.StreamDelta(ctx, t.token, func(dr DeltaResult) {
		if dr.NotModified {
			return
		}
		s.applyDeltaEvents(t, dr.Events)
	})
	if err != nil && ctx.Err() == nil && s.logger != nil {
		s.logger.WithFields(map[string]interface{}{
			"environment": t.token.Environment,
			"cache_key":   t.token.CacheKey(),
		}).WithError(err).Error("streaming refresh terminated, falling back will require re-registration")
	}
}

// applyDeltaEvents folds a batch of delta events into both the delta
// cache (C3, for future "since revision" queries and SSE replay) and the
// feature cache (C2, so /api/client/features stays populated for tokens
// refreshed via polling-delta or streaming). If the first event is a real
// Hydration, it seeds a fresh delta cache baseline and replaces the
// feature cache's scoped payload instead of folding it incrementally.
func (s *Scheduler) applyDeltaEvents(t *task, events []deltacache.Event) {
	if len(events) == 0 {
		return
	}
	cacheKey := t.token.CacheKey()

	rest := events
	if events[0].Type == deltacache.EventHydration {
		hydration := events[0]
		dc := s.deltas.SeedEnvironment(t.token.Environment, hydration.Features, hydration.Segments, hydration.EventID, hydrationDeltaCacheLength)
		s.features.Modify(cacheKey, t.token.Projects, featurecache.ClientFeatures{
			Version:  hydration.EventID,
			Features: hydration.Features,
			Segments: hydration.Segments,
		})
		rest = events[1:]
		if len(rest) > 0 {
			dc.AddEvents(rest)
			s.features.ApplyDelta(cacheKey, toFeatureCacheOps(rest))
		}
		t.revision = dc.CurrentRevision()
		s.notifySubscribers(cacheKey, t.revision)
		return
	}

	dc := s.deltas.ForEnvironment(t.token.Environment)
	dc.AddEvents(events)
	s.features.ApplyDelta(cacheKey, toFeatureCacheOps(events))
	t.revision = dc.CurrentRevision()
	s.notifySubscribers(cacheKey, t.revision)
}

// notifySubscribers signals every SSE subscriber scoped to cacheKey that
// fresh data is available as of revision; it carries no payload of its
// own, the handler re-reads the delta/feature cache to build the actual
// response, so a dropped notification only costs a missed wakeup, never
// stale data once the next one arrives.
func (s *Scheduler) notifySubscribers(cacheKey string, revision int) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(cacheKey, broadcast.Message{Event: broadcast.EventUpdated, EventID: revision})
}

// toFeatureCacheOps bridges delta-cache events to the feature cache's own
// incremental-operation type, since deltacache cannot import featurecache
// operations directly without an import cycle (deltacache already
// imports featurecache's data types).
func toFeatureCacheOps(events []deltacache.Event) []featurecache.DeltaOp {
	ops := make([]featurecache.DeltaOp, 0, len(events))
	for _, ev := range events {
		switch ev.Type {
		case deltacache.EventFeatureUpdated:
			if ev.Feature != nil {
				ops = append(ops, featurecache.DeltaOp{Kind: featurecache.DeltaFeatureUpdated, Feature: *ev.Feature})
			}
		case deltacache.EventFeatureRemoved:
			ops = append(ops, featurecache.DeltaOp{Kind: featurecache.DeltaFeatureRemoved, FeatureName: ev.FeatureName})
		case deltacache.EventSegmentUpdated:
			if ev.Segment != nil {
				ops = append(ops, featurecache.DeltaOp{Kind: featurecache.DeltaSegmentUpdated, Segment: *ev.Segment})
			}
		case deltacache.EventSegmentRemoved:
			ops = append(ops, featurecache.DeltaOp{Kind: featurecache.DeltaSegmentRemoved, SegmentID: ev.SegmentID})
		}
	}
	return ops
}

// Tasks returns a snapshot of currently registered cache keys, for
// introspection endpoints.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		out = append(out, k)
	}
	return out
}
