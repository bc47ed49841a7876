package flight

import (
	"testing"
	"time"
)

func TestParseOpenSkyAdaptsVector(t *testing.T) {
	body := []byte(`{"time":1700000100,"states":[
		["ABC123","DLH9K   ","Germany",1700000090,1700000095,8.57,50.03,11277.6,false,231.4,85.2,-4.55,null,11491.2,"1000",false,0]
	]}`)

	states, skipped, err := ParseOpenSky(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("expected 0 skipped, got %d", skipped)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}

	s := states[0]
	if s.ICAO24 != "abc123" {
		t.Errorf("icao24 not normalized: %q", s.ICAO24)
	}
	if s.Callsign != "DLH9K" {
		t.Errorf("callsign not trimmed: %q", s.Callsign)
	}
	if s.OriginCountry != "Germany" {
		t.Errorf("origin country: %q", s.OriginCountry)
	}
	if s.Latitude != 50.03 || s.Longitude != 8.57 {
		t.Errorf("position: %v,%v", s.Latitude, s.Longitude)
	}
	if want := time.Unix(1700000090, 0).UTC(); !s.ObservedAt.Equal(want) {
		t.Errorf("observedAt = %v, want %v", s.ObservedAt, want)
	}
	if s.BaroAltitude != 11277.6 || s.GeoAltitude != 11491.2 {
		t.Errorf("altitude: baro=%v geo=%v", s.BaroAltitude, s.GeoAltitude)
	}
	if s.Velocity != 231.4 || s.Heading != 85.2 || s.VerticalRate != -4.55 {
		t.Errorf("kinematics: v=%v h=%v vr=%v", s.Velocity, s.Heading, s.VerticalRate)
	}
	if s.Squawk != "1000" {
		t.Errorf("squawk: %q", s.Squawk)
	}
	if s.Source != PositionADSB {
		t.Errorf("source: %v", s.Source)
	}
}

func TestParseOpenSkyTimePositionFallback(t *testing.T) {
	body := []byte(`{"time":1700000100,"states":[
		["abc123",null,"",null,1700000042,8.5,50.0,null,true,null,null,null,null,null,null,false,0]
	]}`)

	states, skipped, err := ParseOpenSky(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if skipped != 0 || len(states) != 1 {
		t.Fatalf("expected 1 state 0 skipped, got %d/%d", len(states), skipped)
	}
	if want := time.Unix(1700000042, 0).UTC(); !states[0].ObservedAt.Equal(want) {
		t.Errorf("observedAt = %v, want last_contact %v", states[0].ObservedAt, want)
	}
	if !states[0].OnGround {
		t.Error("expected onGround")
	}
}

func TestParseOpenSkySkipsUnusableVectors(t *testing.T) {
	body := []byte(`{"time":1700000100,"states":[
		["abc123",null,"",1700000090,1700000095,null,50.0,null,false,null,null,null,null,null,null,false,0],
		["",null,"",1700000090,1700000095,8.5,50.0,null,false,null,null,null,null,null,null,false,0],
		["abc123",null,"",null,null,8.5,50.0,null,false,null,null,null,null,null,null,false,0],
		["short"],
		["def456",null,"",1700000090,1700000095,8.5,50.0,null,false,null,null,null,null,null,null,false,0]
	]}`)

	states, skipped, err := ParseOpenSky(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if skipped != 4 {
		t.Errorf("expected 4 skipped, got %d", skipped)
	}
	if len(states) != 1 || states[0].ICAO24 != "def456" {
		t.Fatalf("expected only def456 to survive, got %+v", states)
	}
}

func TestParseOpenSkyEmptyAndMalformed(t *testing.T) {
	states, skipped, err := ParseOpenSky([]byte(`{"time":1700000100,"states":null}`))
	if err != nil {
		t.Fatalf("null states: %v", err)
	}
	if len(states) != 0 || skipped != 0 {
		t.Errorf("null states: got %d/%d", len(states), skipped)
	}

	if _, _, err := ParseOpenSky([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}
