package deltacache

import (
	"testing"

	"github.com/r3e-edge/flag-edge/internal/featurecache"
)

func TestNew_SeedsMarkerEventAtZero(t *testing.T) {
	c := New(10)
	if c.CurrentRevision() != 0 {
		t.Fatalf("CurrentRevision() = %d, want 0", c.CurrentRevision())
	}
	if !c.HasRevision(0) {
		t.Fatal("has_revision(0) should hold immediately after empty-hydration construction")
	}
}

func TestAddEvents_PreservesUpstreamEventID(t *testing.T) {
	c := New(10)
	c.AddEvents([]Event{
		{EventID: 5, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagA"}},
		{EventID: 9, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagB"}},
	})
	if c.CurrentRevision() != 9 {
		t.Fatalf("CurrentRevision() = %d, want 9 (the caller-assigned id, not a local count)", c.CurrentRevision())
	}
	if !c.HasRevision(5) || !c.HasRevision(9) {
		t.Fatal("has_revision should hold for both caller-assigned ids")
	}
}

func TestAddEvents_TrimsToMaxLength(t *testing.T) {
	c := New(3)
	for i := 1; i <= 10; i++ {
		c.AddEvents([]Event{{EventID: i, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flag"}}})
	}
	events, ok := c.EventsSince(0, nil)
	if ok {
		t.Fatal("EventsSince(0) should report ok=false once history has been trimmed past it")
	}
	_ = events
}

func TestEventsSince_FallsBackWhenTooOld(t *testing.T) {
	c := New(2)
	for i := 1; i <= 5; i++ {
		c.AddEvents([]Event{{EventID: i, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flag"}}})
	}
	_, ok := c.EventsSince(0, nil)
	if ok {
		t.Fatal("EventsSince(0) should report ok=false once history has been trimmed past it")
	}
}

func TestEventsSince_ProjectFiltering(t *testing.T) {
	c := New(10)
	c.AddEvents([]Event{
		{EventID: 1, Type: EventFeatureUpdated, Project: "a", Feature: &featurecache.Feature{Name: "flagA", Project: "a"}},
		{EventID: 2, Type: EventFeatureUpdated, Project: "b", Feature: &featurecache.Feature{Name: "flagB", Project: "b"}},
	})

	events, ok := c.EventsSince(0, []string{"a"})
	if !ok {
		t.Fatal("EventsSince() ok=false, want true")
	}
	if len(events) != 1 || events[0].Feature.Name != "flagA" {
		t.Fatalf("events = %+v, want only flagA", events)
	}
}

func TestEventsSince_WildcardShortCircuitsFilter(t *testing.T) {
	c := New(10)
	c.AddEvents([]Event{
		{EventID: 1, Type: EventFeatureUpdated, Project: "a", Feature: &featurecache.Feature{Name: "flagA", Project: "a"}},
		{EventID: 2, Type: EventFeatureUpdated, Project: "b", Feature: &featurecache.Feature{Name: "flagB", Project: "b"}},
	})

	events, ok := c.EventsSince(0, []string{"*"})
	if !ok || len(events) != 2 {
		t.Fatalf("EventsSince() with wildcard = %+v, ok=%v, want both events", events, ok)
	}
}

func TestHydrate_ReflectsLatestStateNotHistory(t *testing.T) {
	c := New(10)
	c.AddEvents([]Event{
		{EventID: 1, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagA", Enabled: false}},
	})
	c.AddEvents([]Event{
		{EventID: 2, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagA", Enabled: true}},
	})

	features, _, revision := c.Hydrate(nil)
	if len(features) != 1 || !features[0].Enabled {
		t.Fatalf("Hydrate() = %+v, want single enabled flagA", features)
	}
	if revision != 2 {
		t.Fatalf("revision = %d, want 2", revision)
	}
}

func TestHydrate_RemovalDropsFromProjection(t *testing.T) {
	c := New(10)
	c.AddEvents([]Event{{EventID: 1, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagA"}}})
	c.AddEvents([]Event{{EventID: 2, Type: EventFeatureRemoved, FeatureName: "flagA"}})

	features, _, _ := c.Hydrate(nil)
	if len(features) != 0 {
		t.Fatalf("Hydrate() after removal = %+v, want empty", features)
	}
}

// TestScenario_S1_DeltaTruncationPreservesEventIDs exercises S1: a bounded
// cache truncated to a smaller window must still report the surviving
// events' original upstream ids verbatim (1-7 trimmed down to the newest
// few), never renumbered.
func TestScenario_S1_DeltaTruncationPreservesEventIDs(t *testing.T) {
	c := New(3)
	for id := 1; id <= 7; id++ {
		c.AddEvents([]Event{{EventID: id, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flag"}}})
	}
	if _, ok := c.EventsSince(4, nil); ok {
		t.Fatal("EventsSince(4) should report ok=false: revision 4 was trimmed out of the retained window 5-7")
	}
	events, ok := c.EventsSince(5, nil)
	if !ok {
		t.Fatal("EventsSince(5) should succeed: revision 5 is the oldest retained event")
	}
	want := []int{6, 7}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want ids %v", events, want)
	}
	for i, id := range want {
		if events[i].EventID != id {
			t.Fatalf("events[%d].EventID = %d, want %d", i, events[i].EventID, id)
		}
	}
}

// TestScenario_S2_OutOfOrderEventIDsSortedStably exercises S2: events
// arriving out of upstream order (10, then 12, then 11) must come back
// sorted by event_id, with their original ids intact.
func TestScenario_S2_OutOfOrderEventIDsSortedStably(t *testing.T) {
	c := New(10)
	c.AddEvents([]Event{{EventID: 10, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagA"}}})
	c.AddEvents([]Event{{EventID: 12, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagC"}}})
	c.AddEvents([]Event{{EventID: 11, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagB"}}})

	events, ok := c.EventsSince(9, nil)
	if !ok {
		t.Fatal("EventsSince(9) should succeed")
	}
	want := []int{10, 11, 12}
	for i, id := range want {
		if events[i].EventID != id {
			t.Fatalf("events[%d].EventID = %d, want %d", i, events[i].EventID, id)
		}
	}
}

// TestScenario_S3_HydrationMergeScopedToProjects exercises S3: merging a
// fresh hydration scoped to project "a" replaces only "a"'s features,
// preserves "b"'s, and unions segments by id.
func TestScenario_S3_HydrationMergeScopedToProjects(t *testing.T) {
	c := NewFromHydration(
		[]featurecache.Feature{
			{Name: "flagA", Project: "a", Enabled: false},
			{Name: "flagB", Project: "b", Enabled: true},
		},
		[]featurecache.Segment{{ID: 1, Name: "old"}},
		5,
		10,
	)

	c.MergeHydrationForProjects(
		[]string{"a"},
		[]featurecache.Feature{{Name: "flagA", Project: "a", Enabled: true}},
		[]featurecache.Segment{{ID: 1, Name: "new"}, {ID: 2, Name: "extra"}},
		8,
	)

	features, segments, revision := c.Hydrate(nil)
	if revision != 8 {
		t.Fatalf("revision = %d, want max(5,8) = 8", revision)
	}
	byName := map[string]featurecache.Feature{}
	for _, f := range features {
		byName[f.Name] = f
	}
	if !byName["flagA"].Enabled {
		t.Fatal("flagA should have been replaced wholesale by the scoped merge")
	}
	if !byName["flagB"].Enabled {
		t.Fatal("flagB is outside the merged project set and must be preserved")
	}
	if len(segments) != 2 {
		t.Fatalf("segments = %+v, want union of old id 2 and replaced id 1", segments)
	}
	for _, s := range segments {
		if s.ID == 1 && s.Name != "new" {
			t.Fatalf("segment id 1 should have been replaced by the new hydration's version, got %+v", s)
		}
	}
	if !c.HasRevision(8) {
		t.Fatal("has_revision(8) should hold immediately after the merge")
	}
}

// TestMergeHydrationForProjects_WildcardReplacesEverything covers the
// Open Question resolution: a "*" project set short-circuits the merge
// into a full replacement of both features and segments.
func TestMergeHydrationForProjects_WildcardReplacesEverything(t *testing.T) {
	c := NewFromHydration(
		[]featurecache.Feature{{Name: "flagA", Project: "a"}},
		[]featurecache.Segment{{ID: 1}},
		1,
		10,
	)
	c.MergeHydrationForProjects([]string{"*"}, []featurecache.Feature{{Name: "flagZ", Project: "z"}}, nil, 2)

	features, segments, _ := c.Hydrate(nil)
	if len(features) != 1 || features[0].Name != "flagZ" {
		t.Fatalf("features = %+v, want only flagZ after wildcard replacement", features)
	}
	if len(segments) != 0 {
		t.Fatalf("segments = %+v, want empty after wildcard replacement", segments)
	}
}

func TestManager_PerEnvironmentIsolation(t *testing.T) {
	m := NewManager(10)
	prod := m.ForEnvironment("production")
	staging := m.ForEnvironment("staging")

	prod.AddEvents([]Event{{EventID: 1, Type: EventFeatureUpdated, Feature: &featurecache.Feature{Name: "flagA"}}})
	if staging.CurrentRevision() != 0 {
		t.Fatalf("staging cache should be unaffected by production writes")
	}
	if len(m.Environments()) != 2 {
		t.Fatalf("Environments() = %v, want 2", m.Environments())
	}
}

func TestManager_SeedEnvironmentReplacesCacheWithRealHydration(t *testing.T) {
	m := NewManager(10)
	m.ForEnvironment("production")

	seeded := m.SeedEnvironment("production", []featurecache.Feature{{Name: "flagA", Project: "a"}}, nil, 42, 100)
	if m.ForEnvironment("production") != seeded {
		t.Fatal("ForEnvironment should return the freshly seeded cache after SeedEnvironment")
	}
	if seeded.CurrentRevision() != 42 {
		t.Fatalf("CurrentRevision() = %d, want 42", seeded.CurrentRevision())
	}
}
