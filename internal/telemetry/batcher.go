package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/r3e-edge/flag-edge/infrastructure/logging"
	"github.com/r3e-edge/flag-edge/pkg/metrics"
)

const (
	// softBatchLimitBytes is the target serialized size a batch tries to
	// stay under.
	softBatchLimitBytes = 95 * 1024
	// hardBatchLimitBytes is the absolute ceiling; a single window that by
	// itself exceeds this is still sent alone rather than dropped, since
	// splitting a single app/environment window is not supported upstream.
	hardBatchLimitBytes = 100 * 1024
	// backoffMultiplier lengthens the flush interval each time upstream
	// answers with a retryable failure (429 or 5xx).
	backoffMultiplier = 2
	// stalledBackoffMultiplier is applied once upstream answers with 404
	// or 403: the metrics endpoint is either gone or this token can never
	// upload, so back off far more aggressively than a transient failure.
	stalledBackoffMultiplier = 10
)

// StatusError wraps a non-2xx response status code from a metrics
// upload, letting the batcher decide whether to retry, back off, or
// give up based on exactly which code upstream returned rather than
// treating every failure alike.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("metrics upload rejected: status %d", e.StatusCode)
}

// Sender delivers one finished batch of metrics windows to upstream.
// Errors should be (or wrap) a *StatusError when they originate from a
// non-2xx HTTP response, so the batcher can branch on it.
type Sender interface {
	SendMetrics(ctx context.Context, windows []AppMetrics) error
}

// Batcher drains an Aggregator on a fixed interval and ships the result
// to upstream in size-bounded partitions, preserving the original window
// order and never splitting an individual window's item count across
// partitions. A partition upstream rejects with a retryable status is
// reinserted ahead of the next tick's drain instead of being dropped, and
// the flush interval lengthens or decays based on how the last flush
// went.
type Batcher struct {
	aggregator *Aggregator
	sender     Sender
	logger     *logging.Logger

	baseInterval time.Duration
	maxInterval  time.Duration

	mu              sync.Mutex
	currentInterval time.Duration
	pending         []AppMetrics
}

// NewBatcher constructs a Batcher.
func NewBatcher(aggregator *Aggregator, sender Sender, interval time.Duration, logger *logging.Logger) *Batcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Batcher{
		aggregator:      aggregator,
		sender:          sender,
		logger:          logger,
		baseInterval:    interval,
		maxInterval:     interval * stalledBackoffMultiplier,
		currentInterval: interval,
	}
}

// Run blocks, flushing on every interval tick until ctx is cancelled. The
// tick interval is re-read after every flush since a flush can lengthen
// or reset it.
func (b *Batcher) Run(ctx context.Context) {
	timer := time.NewTimer(b.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-timer.C:
			b.flush(ctx)
			timer.Reset(b.interval())
		}
	}
}

func (b *Batcher) interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentInterval
}

func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	windows := append(b.pending, b.aggregator.Drain()...)
	b.pending = nil
	b.mu.Unlock()

	if len(windows) == 0 {
		return
	}

	var retry []AppMetrics
	delivered := false
	stalled := false

	for _, batch := range Partition(windows, softBatchLimitBytes, hardBatchLimitBytes) {
		err := b.sender.SendMetrics(ctx, batch)
		if err == nil {
			delivered = true
			if size, merr := json.Marshal(batch); merr == nil {
				metrics.MetricsBatchBytes.Observe(float64(len(size)))
			}
			continue
		}

		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			// Transport-level failure (timeout, connection refused): treat
			// like a retryable upstream failure rather than dropping data.
			b.warn(batch, err, "metrics batch delivery failed, retrying next interval")
			retry = append(retry, batch...)
			continue
		}

		switch statusErr.StatusCode {
		case http.StatusRequestEntityTooLarge:
			b.warn(batch, err, "metrics batch rejected as too large, dropping")
		case http.StatusBadRequest:
			b.warn(batch, err, "metrics batch rejected as malformed, dropping")
		case http.StatusTooManyRequests:
			b.warn(batch, err, "metrics upload throttled, retrying next interval")
			retry = append(retry, batch...)
		case http.StatusNotFound, http.StatusForbidden:
			b.warn(batch, err, "metrics endpoint unavailable or forbidden, backing off sharply")
			stalled = true
		default:
			if statusErr.StatusCode >= 500 {
				b.warn(batch, err, "metrics upload failed upstream, retrying next interval")
				retry = append(retry, batch...)
			} else {
				b.warn(batch, err, "metrics batch delivery failed")
			}
		}
	}

	b.mu.Lock()
	b.pending = append(b.pending, retry...)
	switch {
	case stalled:
		b.currentInterval = b.capInterval(b.baseInterval * stalledBackoffMultiplier)
	case len(retry) > 0:
		b.currentInterval = b.capInterval(b.currentInterval * backoffMultiplier)
	case delivered:
		b.currentInterval = b.baseInterval
	}
	b.mu.Unlock()
}

func (b *Batcher) capInterval(d time.Duration) time.Duration {
	if d > b.maxInterval {
		return b.maxInterval
	}
	return d
}

func (b *Batcher) warn(batch []AppMetrics, err error, msg string) {
	if b.logger == nil {
		return
	}
	b.logger.WithFields(map[string]interface{}{"windows": len(batch)}).WithError(err).Warn(msg)
}

// Partition splits windows into ordered, contiguous groups such that each
// group's serialized JSON size stays at or under softLimit wherever
// possible. A single window whose own serialized size already exceeds
// softLimit is placed alone in its own group (and allowed up to
// hardLimit) rather than being dropped or split, since an AppMetrics
// window is the smallest unit upstream accepts.
func Partition(windows []AppMetrics, softLimit, hardLimit int) [][]AppMetrics {
	if len(windows) == 0 {
		return nil
	}

	var groups [][]AppMetrics
	var current []AppMetrics
	currentSize := 0

	for _, w := range windows {
		size := estimateSize(w)
		if len(current) > 0 && currentSize+size > softLimit {
			groups = append(groups, current)
			current = nil
			currentSize = 0
		}
		current = append(current, w)
		currentSize += size
		if currentSize >= hardLimit && len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentSize = 0
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func estimateSize(w AppMetrics) int {
	b, err := json.Marshal(w)
	if err != nil {
		return 0
	}
	return len(b)
}
