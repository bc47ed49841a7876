package ingest

import (
	"testing"
	"time"

	"skywatch/region"
	"skywatch/stats"
)

func encodeTestMessage(t *testing.T, regions ...region.Region) []byte {
	t.Helper()
	payload, err := region.EncodeMessage(&region.Message{
		Regions:     regions,
		SubmittedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return payload
}

func testRegion(id string) region.Region {
	return region.Region{ID: id, NELat: 51, NELon: 9, SWLat: 49, SWLon: 7}
}

func TestApplyReplacesActiveSet(t *testing.T) {
	registry := region.NewRegistry()
	registry.Replace([]region.Region{testRegion("old")})
	tracker := stats.NewTracker()
	ing := New(registry, nil, tracker)

	ing.HandleMessage(encodeTestMessage(t, testRegion("r1"), testRegion("r2")))

	snap := registry.Snapshot()
	if len(snap) != 2 || snap[0].ID != "r1" || snap[1].ID != "r2" {
		t.Fatalf("active set not replaced: %+v", snap)
	}
	if got := tracker.RegionUpdates.Load(); got != 1 {
		t.Errorf("region updates counter = %d, want 1", got)
	}
}

func TestApplyRejectsInvalidMessageWholesale(t *testing.T) {
	registry := region.NewRegistry()
	registry.Replace([]region.Region{testRegion("keep")})
	ing := New(registry, nil, nil)

	bad := testRegion("bad")
	bad.NELat, bad.SWLat = bad.SWLat, bad.NELat
	ing.HandleMessage(encodeTestMessage(t, testRegion("good"), bad))

	snap := registry.Snapshot()
	if len(snap) != 1 || snap[0].ID != "keep" {
		t.Fatalf("invalid message modified the active set: %+v", snap)
	}
}

func TestApplyDropsUndecodable(t *testing.T) {
	registry := region.NewRegistry()
	ing := New(registry, nil, nil)

	ing.HandleMessage([]byte(`{not json`))
	if registry.Version() != 0 {
		t.Error("undecodable payload changed the registry")
	}
}

func TestApplyAcceptsEmptySet(t *testing.T) {
	registry := region.NewRegistry()
	registry.Replace([]region.Region{testRegion("old")})
	ing := New(registry, nil, nil)

	ing.HandleMessage(encodeTestMessage(t))
	if registry.Len() != 0 {
		t.Error("empty set submission should clear the active regions")
	}
}
