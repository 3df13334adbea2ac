// Package telemetry aggregates per-feature usage counters, impact
// samples and application registrations reported by SDKs, and batches
// them for periodic upload to the metrics endpoint, split by serialized
// batch size; a single window larger than the limit is sent in a batch
// of its own.
package telemetry

import (
	"sync"
	"time"
)

// ToggleCount tracks how many times a feature evaluated true/false, plus
// per-variant counts, within one reporting window.
type ToggleCount struct {
	Yes      int            `json:"yes"`
	No       int            `json:"no"`
	Variants map[string]int `json:"variants,omitempty"`
}

// ImpactMetricType distinguishes the three additive metric kinds an SDK
// may report alongside ordinary toggle counters.
type ImpactMetricType string

const (
	ImpactCounter   ImpactMetricType = "counter"
	ImpactGauge     ImpactMetricType = "gauge"
	ImpactHistogram ImpactMetricType = "histogram"
)

// ImpactSample is one caller-supplied measurement. Labels is always
// stamped with "origin=edge" by RecordImpact before storage, identifying
// it as a sample that passed through this proxy rather than being
// reported directly by an SDK to upstream.
type ImpactSample struct {
	Name   string            `json:"name"`
	Type   ImpactMetricType  `json:"type"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Application is one SDK instance's registration record, keyed by
// (app_name, instance_id).
type Application struct {
	AppName    string    `json:"appName"`
	InstanceID string    `json:"instanceId"`
	SDKVersion string    `json:"sdkVersion,omitempty"`
	Strategies []string  `json:"strategies,omitempty"`
	Interval   int       `json:"interval,omitempty"`
	Started    time.Time `json:"started"`
}

// AppMetrics is the per-application-identity bucket of feature counters
// and impact samples accumulated for one environment during one
// reporting window.
type AppMetrics struct {
	AppName     string                  `json:"appName"`
	Environment string                  `json:"environment"`
	Start       time.Time               `json:"start"`
	Stop        time.Time               `json:"stop"`
	Toggles     map[string]*ToggleCount `json:"bucket"`
	Impact      []ImpactSample          `json:"impactMetrics,omitempty"`
}

// Aggregator is the proxy's MetricsCache: two maps — applications, and
// per-(app,environment) windows holding toggle counters and impact
// samples — collected in memory until drained by the batching sender.
type Aggregator struct {
	mu           sync.Mutex
	windows      map[string]*AppMetrics // key: appName + "\x00" + environment
	applications map[string]Application // key: appName + "\x00" + instanceID
	start        time.Time
	nowFn        func() time.Time
}

// NewAggregator returns an empty Aggregator. nowFn defaults to time.Now
// and can be overridden in tests.
func NewAggregator(nowFn func() time.Time) *Aggregator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Aggregator{
		windows:      make(map[string]*AppMetrics),
		applications: make(map[string]Application),
		start:        nowFn(),
		nowFn:        nowFn,
	}
}

func windowKey(appName, environment string) string {
	return appName + "\x00" + environment
}

// windowFor returns (creating if needed) the bucket for appName in
// environment. Caller must hold a.mu.
func (a *Aggregator) windowFor(appName, environment string) *AppMetrics {
	key := windowKey(appName, environment)
	am, ok := a.windows[key]
	if !ok {
		am = &AppMetrics{
			AppName:     appName,
			Environment: environment,
			Start:       a.start,
			Toggles:     make(map[string]*ToggleCount),
		}
		a.windows[key] = am
	}
	return am
}

// RecordEvaluation registers one feature evaluation result for an
// application in an environment.
func (a *Aggregator) RecordEvaluation(appName, environment, feature string, enabled bool, variant string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	am := a.windowFor(appName, environment)
	tc, ok := am.Toggles[feature]
	if !ok {
		tc = &ToggleCount{}
		am.Toggles[feature] = tc
	}
	if enabled {
		tc.Yes++
	} else {
		tc.No++
	}
	if variant != "" {
		if tc.Variants == nil {
			tc.Variants = make(map[string]int)
		}
		tc.Variants[variant]++
	}
}

// MergeToggles folds a whole batch of pre-counted toggle buckets
// (reported by an SDK's own bulk upload, rather than evaluated one at a
// time by this proxy) into the window for appName/environment.
func (a *Aggregator) MergeToggles(appName, environment string, toggles map[string]*ToggleCount) {
	if len(toggles) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	am := a.windowFor(appName, environment)
	for name, incoming := range toggles {
		if incoming == nil {
			continue
		}
		tc, ok := am.Toggles[name]
		if !ok {
			tc = &ToggleCount{}
			am.Toggles[name] = tc
		}
		tc.Yes += incoming.Yes
		tc.No += incoming.No
		for variant, count := range incoming.Variants {
			if tc.Variants == nil {
				tc.Variants = make(map[string]int)
			}
			tc.Variants[variant] += count
		}
	}
}

// RecordImpact appends one impact sample to the (app_name, environment)
// bucket, stamping its labels with "origin=edge" regardless of what the
// caller supplied, since every sample that reaches this aggregator has
// passed through the edge proxy rather than being reported straight to
// upstream.
func (a *Aggregator) RecordImpact(appName, environment string, sample ImpactSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	labels := make(map[string]string, len(sample.Labels)+1)
	for k, v := range sample.Labels {
		labels[k] = v
	}
	labels["origin"] = "edge"
	sample.Labels = labels

	am := a.windowFor(appName, environment)
	am.Impact = append(am.Impact, sample)
}

// RegisterApplication upserts an SDK instance's registration record.
func (a *Aggregator) RegisterApplication(app Application) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applications[app.AppName+"\x00"+app.InstanceID] = app
}

// Applications returns a snapshot of every currently registered
// application instance. Unlike toggle/impact windows, registrations are
// not drained on read: an SDK instance stays "registered" (last-write-
// wins) until it re-registers or the process restarts.
func (a *Aggregator) Applications() []Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Application, 0, len(a.applications))
	for _, app := range a.applications {
		out = append(out, app)
	}
	return out
}

// Drain returns every accumulated window and resets the aggregator for a
// fresh reporting period. The Stop time of each window is set to the
// moment of the drain call.
func (a *Aggregator) Drain() []AppMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowFn()
	out := make([]AppMetrics, 0, len(a.windows))
	for _, am := range a.windows {
		am.Stop = now
		out = append(out, *am)
	}
	a.windows = make(map[string]*AppMetrics)
	a.start = now
	return out
}
