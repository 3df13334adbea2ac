// Package deltacache maintains the bounded per-environment delta event
// history used to answer incremental ("since revision N") feature queries,
// along with a hydration projection that lets a client starting from
// scratch receive an equivalent full-state event.
package deltacache

import (
	"sort"
	"sync"

	"github.com/r3e-edge/flag-edge/internal/featurecache"
)

// EventType distinguishes the delta event variants.
type EventType string

const (
	EventFeatureUpdated EventType = "feature-updated"
	EventFeatureRemoved EventType = "feature-removed"
	EventSegmentUpdated EventType = "segment-updated"
	EventSegmentRemoved EventType = "segment-removed"
	EventHydration      EventType = "hydration"
)

// Event is a single entry in the delta history, analogous to an
// Unleash-style streaming delta event. EventID is assigned upstream, a
// monotonically increasing per-environment revision number; clients
// resume a stream by presenting the last EventID they saw.
type Event struct {
	EventID int       `json:"eventId"`
	Type    EventType `json:"type"`
	Feature *featurecache.Feature `json:"feature,omitempty"`
	Segment *featurecache.Segment `json:"segment,omitempty"`
	// FeatureName/SegmentID are populated for removal events, where the
	// full object is no longer available.
	FeatureName string `json:"featureName,omitempty"`
	SegmentID   int    `json:"segmentId,omitempty"`
	// Features/Segments carry the full projection for a Hydration event.
	Features []featurecache.Feature `json:"features,omitempty"`
	Segments []featurecache.Segment `json:"segments,omitempty"`
	// Project scopes the event for hydration-merge filtering; empty means
	// it applies regardless of project (segment events).
	Project string `json:"-"`
}

// Cache is the bounded FIFO of delta events for a single environment, plus
// the latest hydration projection (the full feature/segment state as of
// the newest event, used to answer from-scratch queries).
type Cache struct {
	mu        sync.RWMutex
	maxLength int
	events    []Event
	hydration map[string]featurecache.Feature // by feature name, latest full state
	segments  map[int]featurecache.Segment
	maxEventID int
}

// New returns a delta cache bounded to maxLength retained events, seeded
// with an empty hydration: the FIFO starts with a single marker
// EventHydration at event_id 0, so has_revision(0) holds immediately.
func New(maxLength int) *Cache {
	return NewFromHydration(nil, nil, 0, maxLength)
}

// NewFromHydration returns a delta cache seeded from a real upstream
// hydration: its feature/segment projection becomes the cache's
// baseline, and the FIFO is seeded with a single marker event at
// eventID so has_revision(eventID) holds before any further event is
// added.
func NewFromHydration(features []featurecache.Feature, segments []featurecache.Segment, eventID int, maxLength int) *Cache {
	if maxLength <= 0 {
		maxLength = 100
	}
	c := &Cache{
		maxLength: maxLength,
		hydration: make(map[string]featurecache.Feature),
		segments:  make(map[int]featurecache.Segment),
	}
	c.seedHydration(features, segments, eventID)
	return c
}

// seedHydration resets the projection and FIFO to a fresh baseline. Must
// be called with no lock held (only used at construction).
func (c *Cache) seedHydration(features []featurecache.Feature, segments []featurecache.Segment, eventID int) {
	sorted := append([]featurecache.Feature(nil), features...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, f := range sorted {
		c.hydration[f.Name] = f
	}
	for _, s := range segments {
		c.segments[s.ID] = s
	}
	c.maxEventID = eventID

	if len(sorted) == 0 {
		c.events = []Event{{EventID: eventID, Type: EventHydration}}
		return
	}
	last := sorted[len(sorted)-1]
	c.events = []Event{{EventID: eventID, Type: EventFeatureUpdated, Feature: &last, Project: last.Project}}
}

// AddEvents appends events to the history in the caller-assigned EventID
// order, trims the history to maxLength (oldest dropped first), and
// folds each event into the hydration projection. EventID is never
// reassigned: it is upstream's own monotonic revision number and is the
// cursor clients resume streams from, so renumbering it locally would
// break resume across refresh cycles, restarts and replicas.
func (c *Cache) AddEvents(events []Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range events {
		c.foldHydration(events[i])
		if events[i].EventID > c.maxEventID {
			c.maxEventID = events[i].EventID
		}
	}

	c.events = append(c.events, events...)
	sort.SliceStable(c.events, func(i, j int) bool { return c.events[i].EventID < c.events[j].EventID })
	if len(c.events) > c.maxLength {
		c.events = append([]Event(nil), c.events[len(c.events)-c.maxLength:]...)
	}
}

func (c *Cache) foldHydration(ev Event) {
	switch ev.Type {
	case EventFeatureUpdated:
		if ev.Feature != nil {
			c.hydration[ev.Feature.Name] = *ev.Feature
		}
	case EventFeatureRemoved:
		delete(c.hydration, ev.FeatureName)
	case EventSegmentUpdated:
		if ev.Segment != nil {
			c.segments[ev.Segment.ID] = *ev.Segment
		}
	case EventSegmentRemoved:
		delete(c.segments, ev.SegmentID)
	case EventHydration:
		c.hydration = make(map[string]featurecache.Feature, len(ev.Features))
		for _, f := range ev.Features {
			c.hydration[f.Name] = f
		}
		c.segments = make(map[int]featurecache.Segment, len(ev.Segments))
		for _, s := range ev.Segments {
			c.segments[s.ID] = s
		}
	}
}

// CurrentRevision returns the highest event ID seen so far, i.e. the
// revision a client should report after a full hydration.
func (c *Cache) CurrentRevision() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxEventID
}

// HasRevision reports whether r is still present in the retained FIFO,
// i.e. a client resuming from r can be served incremental events rather
// than needing a fresh hydration.
func (c *Cache) HasRevision(r int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ev := range c.events {
		if ev.EventID == r {
			return true
		}
	}
	return false
}

// EventsSince returns events with EventID strictly greater than
// sinceRevision, scoped to the given projects (empty projects or a "*"
// entry means no project filtering — segment events are always
// included). The result is stably sorted by EventID. ok is false when
// sinceRevision predates the oldest retained event and the caller must
// fall back to a full hydration instead.
func (c *Cache) EventsSince(sinceRevision int, projects []string) (events []Event, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.events) > 0 && sinceRevision < c.events[0].EventID {
		return nil, false
	}

	wildcard := projectsAreWildcard(projects)
	allowed := toSet(projects)

	out := make([]Event, 0, len(c.events))
	for _, ev := range c.events {
		if ev.EventID <= sinceRevision {
			continue
		}
		if !wildcard && ev.Project != "" {
			if _, permitted := allowed[ev.Project]; !permitted {
				continue
			}
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, true
}

// Hydrate returns a synthetic EventHydration snapshot of every feature and
// segment currently known, scoped to the given projects, suitable as the
// starting point for a client with no prior revision. The returned
// revision is the cache's current revision at the moment of the call.
func (c *Cache) Hydrate(projects []string) (features []featurecache.Feature, segments []featurecache.Segment, revision int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wildcard := projectsAreWildcard(projects)
	allowed := toSet(projects)

	for _, f := range c.hydration {
		if wildcard || f.Project == "" {
			features = append(features, f)
			continue
		}
		if _, permitted := allowed[f.Project]; permitted {
			features = append(features, f)
		}
	}
	sort.Slice(features, func(i, j int) bool { return features[i].Name < features[j].Name })

	for _, s := range c.segments {
		segments = append(segments, s)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })

	return features, segments, c.maxEventID
}

// MergeHydrationForProjects merges a freshly fetched hydration, scoped to
// projects, into the existing projection: features outside projects are
// retained untouched, features inside projects are replaced wholesale by
// the new hydration's features in those projects, and segments are
// unioned by id with the new hydration's segment winning on collision.
// If projects contains the wildcard, the entire projection (features and
// segments) is replaced instead of merged. The merged event_id is
// max(old, new); a marker event is appended at that id so has_revision
// holds for it immediately without waiting for the next AddEvents call.
func (c *Cache) MergeHydrationForProjects(projects []string, newFeatures []featurecache.Feature, newSegments []featurecache.Segment, newEventID int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wildcard := projectsAreWildcard(projects)
	allowed := toSet(projects)

	if wildcard {
		c.hydration = make(map[string]featurecache.Feature, len(newFeatures))
		c.segments = make(map[int]featurecache.Segment, len(newSegments))
	} else {
		for name, f := range c.hydration {
			if _, in := allowed[f.Project]; in {
				delete(c.hydration, name)
			}
		}
	}
	for _, f := range newFeatures {
		c.hydration[f.Name] = f
	}
	for _, s := range newSegments {
		c.segments[s.ID] = s
	}

	merged := newEventID
	if c.maxEventID > merged {
		merged = c.maxEventID
	}
	c.maxEventID = merged

	c.events = append(c.events, Event{EventID: merged, Type: EventHydration})
	sort.SliceStable(c.events, func(i, j int) bool { return c.events[i].EventID < c.events[j].EventID })
	if len(c.events) > c.maxLength {
		c.events = append([]Event(nil), c.events[len(c.events)-c.maxLength:]...)
	}
}

func projectsAreWildcard(projects []string) bool {
	if len(projects) == 0 {
		return true
	}
	for _, p := range projects {
		if p == "*" {
			return true
		}
	}
	return false
}

func toSet(projects []string) map[string]struct{} {
	out := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		out[p] = struct{}{}
	}
	return out
}

// Manager owns one delta Cache per environment.
type Manager struct {
	mu        sync.RWMutex
	maxLength int
	caches    map[string]*Cache
}

// NewManager returns a Manager whose per-environment caches are each
// bounded to maxLength retained events.
func NewManager(maxLength int) *Manager {
	return &Manager{maxLength: maxLength, caches: make(map[string]*Cache)}
}

// ForEnvironment returns (creating if necessary) the delta cache for an
// environment, seeded empty if this is the first reference.
func (m *Manager) ForEnvironment(environment string) *Cache {
	m.mu.RLock()
	c, ok := m.caches[environment]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.caches[environment]; ok {
		return c
	}
	c = New(m.maxLength)
	m.caches[environment] = c
	return c
}

// SeedEnvironment replaces the delta cache for environment with one
// freshly seeded from a real upstream hydration (event_id and all),
// used by the refresher the first time it receives an EventHydration
// for that environment.
func (m *Manager) SeedEnvironment(environment string, features []featurecache.Feature, segments []featurecache.Segment, eventID int, maxLength int) *Cache {
	c := NewFromHydration(features, segments, eventID, maxLength)
	m.mu.Lock()
	m.caches[environment] = c
	m.mu.Unlock()
	return c
}

// Environments returns every environment with a live delta cache.
func (m *Manager) Environments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.caches))
	for env := range m.caches {
		out = append(out, env)
	}
	return out
}
