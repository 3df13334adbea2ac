package refresher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/r3e-edge/flag-edge/internal/clock"
	"github.com/r3e-edge/flag-edge/internal/deltacache"
	"github.com/r3e-edge/flag-edge/internal/featurecache"
	"github.com/r3e-edge/flag-edge/internal/tokens"
)

// trackingUpstream records every FetchFeatures call and fails the first
// failUntil attempts, so tests can assert on the scheduler's backoff
// behavior driven by a Fake clock.
type trackingUpstream struct {
	mu        sync.Mutex
	attempts  int
	failUntil int
	callCh    chan struct{}
}

func (u *trackingUpstream) FetchFeatures(context.Context, tokens.Token, string) (FeaturesResult, error) {
	u.mu.Lock()
	u.attempts++
	attempt := u.attempts
	u.mu.Unlock()

	u.callCh <- struct{}{}

	if attempt <= u.failUntil {
		return FeaturesResult{}, errors.New("simulated upstream failure")
	}
	return FeaturesResult{Features: featurecache.ClientFeatures{Version: attempt}}, nil
}

func (u *trackingUpstream) FetchDelta(context.Context, tokens.Token, int) (DeltaResult, error) {
	return DeltaResult{}, nil
}

func (u *trackingUpstream) StreamDelta(context.Context, tokens.Token, func(DeltaResult)) error {
	return nil
}

// waitForAttempt repeatedly advances the fake clock by step until a call
// is observed on ch, or fails the test after a real-time budget elapses.
func waitForAttempt(t *testing.T, ch <-chan struct{}, clk *clock.Fake, step time.Duration) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ch:
			return
		case <-ticker.C:
			clk.Advance(step)
		case <-deadline:
			t.Fatal("timed out waiting for upstream attempt")
		}
	}
}

func TestSchedulerPollingRetriesWithBackoffThenRecovers(t *testing.T) {
	base := time.Second
	clk := clock.NewFake(time.Unix(0, 0))
	upstream := &trackingUpstream{failUntil: 1, callCh: make(chan struct{}, 8)}

	s := New(featurecache.New(), deltacache.NewManager(50), upstream, Config{
		PollInterval: base,
		Backoff:      DefaultBackoffPolicy(base),
		Clock:        clk,
	})

	tok, err := tokens.Parse("a:production.secret1")
	if err != nil {
		t.Fatalf("tokens.Parse: %v", err)
	}
	s.RegisterToken(tok, StrategyPollingFull)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	// First attempt fires as soon as the initial zero-delay timer is
	// registered; any non-negative advance surfaces it.
	waitForAttempt(t, upstream.callCh, clk, 0)

	// The first attempt fails, so the task backs off to Delay(1) = base*2
	// before trying again.
	waitForAttempt(t, upstream.callCh, clk, s.backoff.Delay(1))

	// The second attempt succeeds, resetting the delay back to the base
	// poll interval for the third attempt.
	waitForAttempt(t, upstream.callCh, clk, base)

	upstream.mu.Lock()
	attempts := upstream.attempts
	upstream.mu.Unlock()
	if attempts < 3 {
		t.Fatalf("attempts = %d, want at least 3", attempts)
	}

	if cf, ok := s.features.Get(tok.CacheKey()); !ok || cf.Version < 2 {
		t.Fatalf("feature cache not updated after recovery: %+v ok=%v", cf, ok)
	}
}
