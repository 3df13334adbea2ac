// Package upstreamclient implements the refresher.Upstream and
// tokenvalidator.UpstreamChecker interfaces against a real upstream
// feature provider's HTTP API.
package upstreamclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-edge/flag-edge/infrastructure/httputil"
	"github.com/r3e-edge/flag-edge/internal/deltacache"
	"github.com/r3e-edge/flag-edge/internal/featurecache"
	"github.com/r3e-edge/flag-edge/internal/refresher"
	"github.com/r3e-edge/flag-edge/internal/telemetry"
	"github.com/r3e-edge/flag-edge/internal/tokens"
	"github.com/r3e-edge/flag-edge/internal/tokenvalidator"
	"github.com/r3e-edge/flag-edge/pkg/version"
)

// Client calls the upstream feature provider on behalf of the refresher
// and token validator.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New constructs a Client bound to baseURL, with TLS strictness
// controlled by strictTLS.
func New(baseURL string, strictTLS bool) (*Client, error) {
	client, normalized, err := httputil.NewClientWithBaseURL(
		httputil.ClientConfig{BaseURL: baseURL, Timeout: 10 * time.Second},
		httputil.ClientDefaults{
			Timeout:          10 * time.Second,
			MaxBodyBytes:     4 << 20,
			NormalizeBaseURL: true,
			RequireHTTPS:     strictTLS,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("upstreamclient: %w", err)
	}
	return &Client{httpClient: client, baseURL: normalized}, nil
}

// newRequest builds an HTTP request against the upstream base URL with a
// consistent User-Agent identifying this proxy to the control plane.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return req, nil
}

// FetchFeatures retrieves the full client-features payload for a token,
// honoring conditional GET via the supplied ETag.
func (c *Client) FetchFeatures(ctx context.Context, token tokens.Token, etag string) (refresher.FeaturesResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/client/features", nil)
	if err != nil {
		return refresher.FeaturesResult{}, err
	}
	req.Header.Set("Authorization", token.String())
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return refresher.FeaturesResult{}, fmt.Errorf("upstreamclient: fetch features: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return refresher.FeaturesResult{NotModified: true, ETag: etag}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return refresher.FeaturesResult{}, fmt.Errorf("upstreamclient: fetch features: status %d", resp.StatusCode)
	}

	var cf featurecache.ClientFeatures
	if err := json.NewDecoder(resp.Body).Decode(&cf); err != nil {
		return refresher.FeaturesResult{}, fmt.Errorf("upstreamclient: decode features: %w", err)
	}
	return refresher.FeaturesResult{Features: cf, ETag: resp.Header.Get("ETag")}, nil
}

// FetchDelta retrieves delta events since sinceRevision for a token.
func (c *Client) FetchDelta(ctx context.Context, token tokens.Token, sinceRevision int) (refresher.DeltaResult, error) {
	path := "/api/client/delta?revision=" + strconv.Itoa(sinceRevision)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return refresher.DeltaResult{}, err
	}
	req.Header.Set("Authorization", token.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return refresher.DeltaResult{}, fmt.Errorf("upstreamclient: fetch delta: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return refresher.DeltaResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return refresher.DeltaResult{}, fmt.Errorf("upstreamclient: fetch delta: status %d", resp.StatusCode)
	}

	var payload struct {
		Events []deltacache.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return refresher.DeltaResult{}, fmt.Errorf("upstreamclient: decode delta: %w", err)
	}
	return refresher.DeltaResult{Events: payload.Events}, nil
}

// StreamDelta consumes upstream's own SSE stream, invoking onEvent for
// every unleash-updated frame received, until ctx is cancelled or the
// stream ends.
func (c *Client) StreamDelta(ctx context.Context, token tokens.Token, onEvent func(refresher.DeltaResult)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/client/streaming", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token.String())
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstreamclient: stream delta: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstreamclient: stream delta: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataBuf strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			if dataBuf.Len() == 0 {
				continue
			}
			var payload struct {
				Events []deltacache.Event `json:"events"`
			}
			if err := json.Unmarshal([]byte(dataBuf.String()), &payload); err == nil {
				onEvent(refresher.DeltaResult{Events: payload.Events})
			}
			dataBuf.Reset()
		}
	}
	return scanner.Err()
}

// ValidateToken confirms a raw SDK token against upstream by attempting a
// lightweight features fetch; a successful response implies the token is
// currently valid.
func (c *Client) ValidateToken(ctx context.Context, raw string) (tokens.Token, error) {
	tok, err := tokens.Parse(raw)
	if err != nil {
		return tokens.Token{}, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/api/client/features", nil)
	if err != nil {
		return tokens.Token{}, err
	}
	req.Header.Set("Authorization", raw)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokens.Token{}, fmt.Errorf("upstreamclient: validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return tokens.Token{}, fmt.Errorf("upstreamclient: status %d: %w", resp.StatusCode, tokenvalidator.ErrTokenRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return tokens.Token{}, fmt.Errorf("upstreamclient: validate token: status %d", resp.StatusCode)
	}
	return tok, nil
}

// SendMetrics uploads one batch of accumulated feature-usage windows to
// upstream's metrics endpoint.
func (c *Client) SendMetrics(ctx context.Context, windows []telemetry.AppMetrics) error {
	body, err := json.Marshal(map[string]interface{}{"metrics": windows})
	if err != nil {
		return fmt.Errorf("upstreamclient: marshal metrics batch: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/client/metrics", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstreamclient: send metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("upstreamclient: send metrics: %w", &telemetry.StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}
