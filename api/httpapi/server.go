// Package httpapi exposes the edge proxy's client, frontend and
// introspection HTTP surfaces over gorilla/mux, wiring together the
// feature cache, delta cache, broadcaster and token validator.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-edge/flag-edge/infrastructure/logging"
	"github.com/r3e-edge/flag-edge/infrastructure/middleware"
	"github.com/r3e-edge/flag-edge/internal/broadcast"
	"github.com/r3e-edge/flag-edge/internal/deltacache"
	"github.com/r3e-edge/flag-edge/internal/featurecache"
	"github.com/r3e-edge/flag-edge/internal/readiness"
	"github.com/r3e-edge/flag-edge/internal/refresher"
	"github.com/r3e-edge/flag-edge/internal/telemetry"
	"github.com/r3e-edge/flag-edge/internal/tokenvalidator"
	"github.com/r3e-edge/flag-edge/pkg/metrics"
)

// Server owns the HTTP surface for the edge proxy.
type Server struct {
	Features   *featurecache.Cache
	Deltas     *deltacache.Manager
	Broadcast  *broadcast.Broadcaster
	Validator  *tokenvalidator.Validator
	Scheduler  *refresher.Scheduler
	Aggregator *telemetry.Aggregator
	Ready      *readiness.Checker
	Logger     *logging.Logger
}

// Router assembles the full mux.Router for the proxy.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(s.Logger).Handler)
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)

	client := r.PathPrefix("/api/client").Subrouter()
	client.Use(s.requireSDKToken)
	client.HandleFunc("/features", s.handleClientFeatures).Methods(http.MethodGet)
	client.HandleFunc("/streaming", s.handleStreaming).Methods(http.MethodGet)
	client.HandleFunc("/delta", s.handleDelta).Methods(http.MethodGet)
	client.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodPost)

	frontend := r.PathPrefix("/api/frontend").Subrouter()
	frontend.Use(s.requireSDKToken)
	frontend.HandleFunc("/features", s.handleFrontendFeatures).Methods(http.MethodGet)

	backstage := r.PathPrefix("/internal-backstage").Subrouter()
	backstage.Handle("/metrics", metrics.Handler())
	backstage.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	backstage.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	backstage.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)

	return r
}

// RunKeepAlive periodically broadcasts keep-alive frames to every
// connected SSE subscriber, holding idle streaming connections open.
func (s *Server) RunKeepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Broadcast.PublishKeepAlive()
		}
	}
}
