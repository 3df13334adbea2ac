package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	svcerrors "github.com/r3e-edge/flag-edge/infrastructure/errors"
	"github.com/r3e-edge/flag-edge/internal/telemetry"
)

// metricsPayload mirrors the SDK bulk-metrics upload body: per-feature
// toggle counts plus any impact samples the SDK reports for this
// reporting window.
type metricsPayload struct {
	AppName    string `json:"appName"`
	InstanceID string `json:"instanceId"`
	SDKVersion string `json:"sdkVersion,omitempty"`
	Bucket     struct {
		Toggles map[string]*telemetry.ToggleCount `json:"toggles"`
	} `json:"bucket"`
	ImpactMetrics []telemetry.ImpactSample `json:"impactMetrics,omitempty"`
}

// handleMetrics accepts one SDK's metrics upload, folding its toggle
// counts and impact samples into the aggregator bucketed by
// (app_name, environment), and upserting its application registration.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tok, ok := tokenFromContext(r)
	if !ok {
		svcerrors.WriteHTTP(w, svcerrors.Unauthorized("missing token"))
		return
	}

	var payload metricsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		svcerrors.WriteHTTP(w, svcerrors.InvalidFormat("body", "metrics upload JSON"))
		return
	}
	if payload.AppName == "" {
		svcerrors.WriteHTTP(w, svcerrors.MissingParameter("appName"))
		return
	}

	s.Aggregator.MergeToggles(payload.AppName, tok.Environment, payload.Bucket.Toggles)
	for _, sample := range payload.ImpactMetrics {
		s.Aggregator.RecordImpact(payload.AppName, tok.Environment, sample)
	}
	if payload.InstanceID != "" {
		s.Aggregator.RegisterApplication(telemetry.Application{
			AppName:    payload.AppName,
			InstanceID: payload.InstanceID,
			SDKVersion: payload.SDKVersion,
			Started:    time.Now(),
		})
	}

	w.WriteHeader(http.StatusAccepted)
}
