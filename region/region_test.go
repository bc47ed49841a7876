package region

import (
	"errors"
	"testing"
	"time"
)

func validRegion(id string) Region {
	return Region{
		ID:        id,
		NELat:     51.0,
		NELon:     9.0,
		SWLat:     49.0,
		SWLon:     7.0,
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRegionValidate(t *testing.T) {
	r := validRegion("ok")
	if err := r.Validate(); err != nil {
		t.Fatalf("valid region rejected: %v", err)
	}

	missing := validRegion("")
	if err := missing.Validate(); err == nil {
		t.Error("expected missing id to be rejected")
	}

	outOfRange := validRegion("range")
	outOfRange.NELat = 91
	if err := outOfRange.Validate(); err == nil {
		t.Error("expected out-of-range latitude to be rejected")
	}

	inverted := validRegion("inverted")
	inverted.NELat, inverted.SWLat = inverted.SWLat, inverted.NELat
	if err := inverted.Validate(); !errors.Is(err, ErrDegenerate) {
		t.Errorf("expected ErrDegenerate for inverted corners, got %v", err)
	}

	zeroArea := validRegion("line")
	zeroArea.SWLon = zeroArea.NELon
	if err := zeroArea.Validate(); !errors.Is(err, ErrDegenerate) {
		t.Errorf("expected ErrDegenerate for zero-width box, got %v", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Regions:     []Region{validRegion("r1"), validRegion("r2")},
		SubmittedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Regions) != 2 || got.Regions[0].ID != "r1" {
		t.Fatalf("roundtrip lost regions: %+v", got.Regions)
	}
}

func TestRegistryReplaceIsAtomicCopy(t *testing.T) {
	reg := NewRegistry()
	if reg.Len() != 0 || reg.Version() != 0 {
		t.Fatal("new registry not empty")
	}

	input := []Region{validRegion("r1")}
	reg.Replace(input)
	input[0].ID = "mutated"

	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].ID != "r1" {
		t.Fatalf("registry affected by caller mutation: %+v", snap)
	}

	snap[0].ID = "mutated again"
	if reg.Snapshot()[0].ID != "r1" {
		t.Fatal("registry affected by snapshot mutation")
	}

	// Each replacement swaps the whole set, never merges.
	reg.Replace([]Region{validRegion("r2"), validRegion("r3")})
	snap = reg.Snapshot()
	if len(snap) != 2 || snap[0].ID != "r2" {
		t.Fatalf("replace did not swap full set: %+v", snap)
	}
	if reg.Version() != 2 {
		t.Errorf("version = %d, want 2", reg.Version())
	}

	reg.Replace(nil)
	if reg.Len() != 0 {
		t.Error("empty replacement should clear the set")
	}
}
