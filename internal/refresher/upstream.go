package refresher

import (
	"context"

	"github.com/r3e-edge/flag-edge/internal/deltacache"
	"github.com/r3e-edge/flag-edge/internal/featurecache"
	"github.com/r3e-edge/flag-edge/internal/tokens"
)

// Strategy selects how a registered token is kept fresh.
type Strategy string

const (
	// StrategyPollingFull re-fetches the whole client-features payload on
	// every poll.
	StrategyPollingFull Strategy = "polling-full"
	// StrategyPollingDelta polls the delta endpoint for events since the
	// last seen revision.
	StrategyPollingDelta Strategy = "polling-delta"
	// StrategyStreaming consumes upstream's own SSE stream and republishes
	// received events without actively polling.
	StrategyStreaming Strategy = "streaming"
)

// FeaturesResult is the outcome of a full-payload fetch.
type FeaturesResult struct {
	Features     featurecache.ClientFeatures
	ETag         string
	NotModified  bool
}

// DeltaResult is the outcome of a delta fetch.
type DeltaResult struct {
	Events      []deltacache.Event
	Revision    int
	NotModified bool
}

// Upstream is the subset of the upstream feature provider's HTTP surface
// the refresher depends on. Implementations wrap the real HTTP client.
type Upstream interface {
	FetchFeatures(ctx context.Context, token tokens.Token, etag string) (FeaturesResult, error)
	FetchDelta(ctx context.Context, token tokens.Token, sinceRevision int) (DeltaResult, error)
	StreamDelta(ctx context.Context, token tokens.Token, onEvent func(DeltaResult)) error
}
