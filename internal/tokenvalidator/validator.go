// Package tokenvalidator confirms SDK tokens against the upstream
// control plane before (or shortly after) they are trusted for cache
// lookups, collapsing concurrent validations of the same token into a
// single upstream call.
package tokenvalidator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/r3e-edge/flag-edge/infrastructure/logging"
	"github.com/r3e-edge/flag-edge/internal/clock"
	"github.com/r3e-edge/flag-edge/internal/tokens"
	"github.com/r3e-edge/flag-edge/pkg/metrics"
)

// ErrTokenRejected is the sentinel an UpstreamChecker should wrap its
// returned error with when upstream explicitly rejected a token (e.g. a
// 401/403 response), as opposed to a transient failure (timeout,
// connection refused, 5xx) that says nothing about the token's validity.
// Only the former should permanently revoke trust.
var ErrTokenRejected = errors.New("token rejected by upstream")

// Mode controls when an incoming request is allowed to proceed relative
// to upstream confirmation of its token.
type Mode string

const (
	// ModeImmediate blocks the request until upstream has confirmed the
	// token, the safest but highest-latency mode.
	ModeImmediate Mode = "immediate"
	// ModeDeferred trusts a syntactically valid token immediately and
	// confirms it with upstream in the background, revoking trust if it
	// turns out to be invalid.
	ModeDeferred Mode = "deferred"
)

// deferredBatchInterval is the width of the window newly-seen tokens
// accumulate in before a single batched confirmation pass, per the
// deferred-mode "/edge/validate" batching contract: the queue drains
// once per tick, bounded by time rather than by how many tokens arrived.
const deferredBatchInterval = time.Second

// UpstreamChecker confirms whether a raw token string is currently valid.
type UpstreamChecker interface {
	ValidateToken(ctx context.Context, raw string) (tokens.Token, error)
}

// Validator tracks which tokens are currently trusted and enforces the
// configured validation mode.
type Validator struct {
	mu      sync.RWMutex
	trusted map[string]tokens.Token // raw token -> parsed token, confirmed valid
	revoked map[string]struct{}     // raw token -> known invalid

	upstream UpstreamChecker
	sf       singleflight.Group
	mode     Mode

	revalidateInterval time.Duration
	clk                clock.Clock
	logger             *logging.Logger

	pendingMu sync.Mutex
	pending   []string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config configures a Validator.
type Config struct {
	Mode               Mode
	RevalidateInterval time.Duration
	Clock              clock.Clock
	Logger             *logging.Logger
}

// New constructs a Validator backed by upstream. In ModeDeferred, it
// immediately starts a background goroutine that batches newly-seen
// tokens on a one-second tick.
func New(upstream UpstreamChecker, cfg Config) *Validator {
	if cfg.Mode == "" {
		cfg.Mode = ModeImmediate
	}
	if cfg.RevalidateInterval <= 0 {
		cfg.RevalidateInterval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	v := &Validator{
		trusted:            make(map[string]tokens.Token),
		revoked:            make(map[string]struct{}),
		upstream:           upstream,
		mode:               cfg.Mode,
		revalidateInterval: cfg.RevalidateInterval,
		clk:                cfg.Clock,
		logger:             cfg.Logger,
		stop:               make(chan struct{}),
	}
	if v.mode == ModeDeferred {
		v.wg.Add(1)
		go v.runDeferredBatcher()
	}
	return v
}

// Close stops the background deferred-mode batcher, if running.
func (v *Validator) Close() {
	v.stopOnce.Do(func() { close(v.stop) })
	v.wg.Wait()
}

// ErrRevoked is returned by Validate when a token was previously confirmed
// invalid by upstream. A revoked token is not confirmed again: periodic
// revalidation only re-confirms currently trusted tokens.
type ErrRevoked struct{}

func (ErrRevoked) Error() string { return "token previously revoked by upstream" }

// Validate resolves a raw SDK token to a parsed, trusted Token. Behavior
// depends on the configured Mode:
//   - ModeImmediate always confirms with upstream (collapsing concurrent
//     callers for the same raw token into one upstream call) before
//     returning.
//   - ModeDeferred returns a syntactically parsed token immediately if one
//     is already trusted or can be parsed, and enqueues a first-seen token
//     for the next batched background confirmation pass.
func (v *Validator) Validate(ctx context.Context, raw string) (tokens.Token, error) {
	v.mu.RLock()
	if _, bad := v.revoked[raw]; bad {
		v.mu.RUnlock()
		metrics.ValidationAttempts.WithLabelValues(string(v.mode), "revoked").Inc()
		return tokens.Token{}, ErrRevoked{}
	}
	if tok, ok := v.trusted[raw]; ok {
		v.mu.RUnlock()
		if v.mode == ModeImmediate {
			return v.confirm(ctx, raw)
		}
		metrics.ValidationAttempts.WithLabelValues(string(v.mode), "cached").Inc()
		return tok, nil
	}
	v.mu.RUnlock()

	if v.mode == ModeImmediate {
		return v.confirm(ctx, raw)
	}

	// Deferred mode: trust a syntactically valid token immediately, and
	// enqueue it for the next batched background confirmation.
	parsed, err := tokens.Parse(raw)
	if err != nil {
		metrics.ValidationAttempts.WithLabelValues(string(v.mode), "malformed").Inc()
		return tokens.Token{}, err
	}

	v.mu.Lock()
	v.trusted[raw] = parsed
	v.mu.Unlock()
	metrics.ValidationAttempts.WithLabelValues(string(v.mode), "provisional").Inc()

	v.enqueue(raw)

	return parsed, nil
}

// enqueue appends raw to the unbounded pending queue drained by
// runDeferredBatcher on its next tick.
func (v *Validator) enqueue(raw string) {
	v.pendingMu.Lock()
	v.pending = append(v.pending, raw)
	v.pendingMu.Unlock()
}

// runDeferredBatcher drains the pending queue once per
// deferredBatchInterval, confirming every token seen since the previous
// tick in one pass rather than spawning a goroutine per token.
func (v *Validator) runDeferredBatcher() {
	defer v.wg.Done()
	timer := v.clk.NewTimer(deferredBatchInterval)
	defer timer.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-timer.C():
		}

		v.pendingMu.Lock()
		batch := v.pending
		v.pending = nil
		v.pendingMu.Unlock()

		seen := make(map[string]struct{}, len(batch))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, raw := range batch {
			if _, dup := seen[raw]; dup {
				continue
			}
			seen[raw] = struct{}{}
			if _, err := v.confirm(ctx, raw); err != nil && v.logger != nil {
				v.logger.WithFields(map[string]interface{}{"token_len": len(raw)}).
					WithError(err).Warn("deferred token confirmation failed")
			}
		}
		cancel()

		timer.Reset(deferredBatchInterval)
	}
}

// confirm calls upstream (collapsed via singleflight) and updates the
// trusted/revoked sets based on the result. A transient failure (network
// error, timeout, 5xx) leaves existing trust untouched and is retried on
// the next periodic sweep or request; only an explicit ErrTokenRejected
// revokes trust, so an upstream outage can never look like mass token
// revocation.
func (v *Validator) confirm(ctx context.Context, raw string) (tokens.Token, error) {
	result, err, _ := v.sf.Do(raw, func() (interface{}, error) {
		return v.upstream.ValidateToken(ctx, raw)
	})

	if v.logger != nil {
		v.logger.LogTokenEvent(ctx, "confirm", err == nil, err)
	}

	if err != nil {
		if errors.Is(err, ErrTokenRejected) {
			v.mu.Lock()
			delete(v.trusted, raw)
			v.revoked[raw] = struct{}{}
			v.mu.Unlock()
			metrics.ValidationAttempts.WithLabelValues(string(v.mode), "rejected").Inc()
		} else {
			metrics.ValidationAttempts.WithLabelValues(string(v.mode), "transient_error").Inc()
		}
		return tokens.Token{}, err
	}

	tok := result.(tokens.Token)
	v.mu.Lock()
	v.trusted[raw] = tok
	delete(v.revoked, raw)
	v.mu.Unlock()
	metrics.ValidationAttempts.WithLabelValues(string(v.mode), "confirmed").Inc()
	return tok, nil
}

// TrustedTokens returns a snapshot of every currently trusted token, used
// to seed the refresher at startup and for persistence warm-start.
func (v *Validator) TrustedTokens() []tokens.Token {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]tokens.Token, 0, len(v.trusted))
	for _, t := range v.trusted {
		out = append(out, t)
	}
	return out
}

// Seed pre-populates the trusted set, used when restoring persisted
// tokens on startup without re-confirming each one synchronously.
func (v *Validator) Seed(raw string, tok tokens.Token) {
	v.mu.Lock()
	v.trusted[raw] = tok
	v.mu.Unlock()
}

// RunPeriodicRevalidation blocks, re-confirming every currently trusted
// token with upstream on a fixed interval, until ctx is cancelled. Tokens
// that upstream explicitly rejects are moved to the revoked set; a
// transient failure leaves a token trusted.
func (v *Validator) RunPeriodicRevalidation(ctx context.Context) {
	timer := v.clk.NewTimer(v.revalidateInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
		}
		v.revalidateAll(ctx)
		timer.Reset(v.revalidateInterval)
	}
}

func (v *Validator) revalidateAll(ctx context.Context) {
	v.mu.RLock()
	raws := make([]string, 0, len(v.trusted))
	for raw := range v.trusted {
		raws = append(raws, raw)
	}
	v.mu.RUnlock()

	for _, raw := range raws {
		if _, err := v.confirm(ctx, raw); err != nil && v.logger != nil {
			v.logger.WithFields(map[string]interface{}{"raw_len": len(raw)}).
				WithError(err).Info("periodic revalidation failed for a token")
		}
	}
}

// RunStartupRevalidation attempts to confirm every raw token in raws with
// upstream, retrying the set still unconfirmed once per second, until
// every token has succeeded at least once or ctx is cancelled. Each
// token is handed to onValid exactly once, the moment it is first
// confirmed, so a caller can register it with the refresher as soon as
// it is known-good rather than waiting for the whole set.
func (v *Validator) RunStartupRevalidation(ctx context.Context, raws []string, onValid func(tokens.Token)) {
	remaining := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if _, err := tokens.Parse(raw); err != nil {
			if v.logger != nil {
				v.logger.WithError(err).Warn("skipping malformed pre-registered token")
			}
			continue
		}
		remaining[raw] = struct{}{}
	}
	if len(remaining) == 0 {
		return
	}

	timer := v.clk.NewTimer(0)
	defer timer.Stop()
	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
		}

		for raw := range remaining {
			tok, err := v.confirm(ctx, raw)
			if err != nil {
				continue
			}
			delete(remaining, raw)
			if onValid != nil {
				onValid(tok)
			}
		}

		if len(remaining) == 0 {
			return
		}
		timer.Reset(time.Second)
	}
}
