package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-edge/flag-edge/internal/broadcast"
	"github.com/r3e-edge/flag-edge/internal/deltacache"
	"github.com/r3e-edge/flag-edge/internal/featurecache"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// tokenValidityCheckInterval is how often an open streaming connection
// re-confirms its token is still trusted; a token revoked mid-stream (by
// a periodic or deferred-mode revalidation pass) must not keep receiving
// updates past this window.
const tokenValidityCheckInterval = 30 * time.Second

// handleStreaming upgrades a client-features request to a real-time SSE
// stream backed by the broadcaster: it resumes from the client's
// Last-Event-ID (a compressed hydration if the id has aged out of the
// retained delta window, or the exact delta events since it otherwise),
// then relays every subsequent mutation for the token's cache key,
// filtered to the token's own projects and an optional namePrefix query
// parameter, until the client disconnects or its token is revoked. A
// keep-alive tick only writes a comment frame; it does not end the stream.
func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	tok, ok := tokenFromContext(r)
	if !ok {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	namePrefix := r.URL.Query().Get("namePrefix")
	lastEventID := parseLastEventID(r)

	cacheKey := tok.CacheKey()
	sub, cancel := s.Broadcast.Subscribe(cacheKey)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	dc := s.Deltas.ForEnvironment(tok.Environment)
	revision := s.replayOrHydrate(w, dc, tok.Projects, namePrefix, lastEventID)
	flusher.Flush()

	ctx := r.Context()
	validityTicker := time.NewTicker(tokenValidityCheckInterval)
	defer validityTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-validityTicker.C:
			if _, err := s.Validator.Validate(ctx, tok.String()); err != nil {
				return
			}

		case msg, open := <-sub.Messages():
			if !open {
				return
			}
			switch msg.Event {
			case broadcast.EventKeepAlive:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case broadcast.EventUpdated:
				revision = s.replayOrHydrate(w, dc, tok.Projects, namePrefix, revision)
				flusher.Flush()
			}
		}
	}
}

// replayOrHydrate writes the smallest payload that brings a client from
// since up to date: the exact delta events if they are still within the
// retained window, or a single compressed hydration snapshot otherwise.
// It returns the revision the client is now caught up to.
func (s *Server) replayOrHydrate(w http.ResponseWriter, dc *deltacache.Cache, projects []string, namePrefix string, since int) int {
	events, ok := dc.EventsSince(since, projects)
	if ok {
		sent := since
		for _, ev := range events {
			if namePrefix != "" && !matchesNamePrefix(ev, namePrefix) {
				continue
			}
			writeSSEEvent(w, ev.EventID, "unleash-updated", ev)
			sent = ev.EventID
		}
		return sent
	}

	features, segments, revision := dc.Hydrate(projects)
	if namePrefix != "" {
		features = filterByNamePrefix(features, namePrefix)
	}
	eventName := "unleash-connected"
	if since != 0 {
		eventName = "unleash-updated"
	}
	writeSSEEvent(w, revision, eventName, map[string]interface{}{
		"version":  2,
		"features": features,
		"segments": segments,
	})
	return revision
}

func matchesNamePrefix(ev deltacache.Event, prefix string) bool {
	if ev.Feature != nil {
		return strings.HasPrefix(ev.Feature.Name, prefix)
	}
	if ev.FeatureName != "" {
		return strings.HasPrefix(ev.FeatureName, prefix)
	}
	return true
}

func filterByNamePrefix(features []featurecache.Feature, prefix string) []featurecache.Feature {
	out := features[:0:0]
	for _, f := range features {
		if strings.HasPrefix(f.Name, prefix) {
			out = append(out, f)
		}
	}
	return out
}

func parseLastEventID(r *http.Request) int {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := r.URL.Query().Get("revision"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func writeSSEEvent(w http.ResponseWriter, id int, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
