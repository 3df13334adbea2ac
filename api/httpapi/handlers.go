package httpapi

import (
	"context"
	"net/http"
	"strconv"

	svcerrors "github.com/r3e-edge/flag-edge/infrastructure/errors"
	"github.com/r3e-edge/flag-edge/internal/tokens"
)

type tokenContextKey struct{}

// requireSDKToken validates the Authorization header against the token
// validator before letting a request reach its handler.
func (s *Server) requireSDKToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if raw == "" {
			svcerrors.WriteHTTP(w, svcerrors.Unauthorized("missing Authorization header"))
			return
		}

		tok, err := s.Validator.Validate(r.Context(), raw)
		if err != nil {
			svcerrors.WriteHTTP(w, svcerrors.InvalidToken(err))
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey{}, tok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromContext(r *http.Request) (tokens.Token, bool) {
	tok, ok := r.Context().Value(tokenContextKey{}).(tokens.Token)
	return tok, ok
}

func (s *Server) handleClientFeatures(w http.ResponseWriter, r *http.Request) {
	tok, ok := tokenFromContext(r)
	if !ok {
		svcerrors.WriteHTTP(w, svcerrors.Unauthorized("missing token"))
		return
	}
	if !s.Ready.Ready() {
		svcerrors.WriteHTTP(w, svcerrors.NotReady("feature cache"))
		return
	}

	cf, ok := s.Features.Get(tok.CacheKey())
	if !ok {
		svcerrors.WriteHTTP(w, svcerrors.NotFound("feature scope", tok.CacheKey()))
		return
	}
	writeJSON(w, http.StatusOK, cf)
}

func (s *Server) handleFrontendFeatures(w http.ResponseWriter, r *http.Request) {
	// Frontend tokens get the same cache lookup; the evaluated/boolean
	// projection used by SDKs is computed client-side from this payload.
	s.handleClientFeatures(w, r)
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	tok, ok := tokenFromContext(r)
	if !ok {
		svcerrors.WriteHTTP(w, svcerrors.Unauthorized("missing token"))
		return
	}

	since, _ := strconv.Atoi(r.URL.Query().Get("revision"))
	dc := s.Deltas.ForEnvironment(tok.Environment)

	events, ok := dc.EventsSince(since, tok.Projects)
	if !ok {
		features, segments, revision := dc.Hydrate(tok.Projects)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"type":     "hydration",
			"revision": revision,
			"features": features,
			"segments": segments,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":   "delta",
		"events": events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Ready.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.Scheduler.Tasks()})
}
