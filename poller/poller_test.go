package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"skywatch/flight"
	"skywatch/region"
)

type fakeUpstream struct {
	byRegion map[string][]flight.State
	err      error
	calls    []string
}

func (f *fakeUpstream) FetchRegion(ctx context.Context, r region.Region) ([]flight.State, int, error) {
	f.calls = append(f.calls, r.ID)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.byRegion[r.ID], 0, nil
}

type fakePublisher struct {
	payloads [][]byte
	topics   []string
	err      error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func testRegion(id string) region.Region {
	return region.Region{ID: id, NELat: 51, NELon: 9, SWLat: 49, SWLon: 7}
}

func testState(icao24 string, observedAt time.Time) flight.State {
	return flight.State{ICAO24: icao24, Latitude: 50, Longitude: 8, ObservedAt: observedAt}
}

func TestCycleSkipsWhenNoRegions(t *testing.T) {
	upstream := &fakeUpstream{}
	pub := &fakePublisher{}
	p := New(region.NewRegistry(), upstream, pub, "adsb", 10*time.Second, 300*time.Second, nil, nil)

	p.cycle(context.Background())

	if len(upstream.calls) != 0 {
		t.Errorf("upstream queried despite empty region set: %v", upstream.calls)
	}
	if len(pub.payloads) != 0 {
		t.Error("batch published despite empty region set")
	}
	if p.sleep != 10*time.Second {
		t.Errorf("sleep changed on skip: %v", p.sleep)
	}
}

func TestCycleScopesAndMergesRegions(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	upstream := &fakeUpstream{byRegion: map[string][]flight.State{
		"r1": {testState("abc123", base.Add(10 * time.Second)), testState("solo1", base)},
		"r2": {testState("abc123", base.Add(20 * time.Second)), testState("solo2", base)},
	}}
	pub := &fakePublisher{}
	registry := region.NewRegistry()
	registry.Replace([]region.Region{testRegion("r1"), testRegion("r2")})
	p := New(registry, upstream, pub, "adsb", 10*time.Second, 300*time.Second, nil, nil)
	p.now = func() time.Time { return base.Add(time.Minute) }

	p.cycle(context.Background())

	if len(upstream.calls) != 2 {
		t.Fatalf("expected one query per region, got %v", upstream.calls)
	}
	if len(pub.payloads) != 1 || pub.topics[0] != "adsb" {
		t.Fatalf("expected one batch on adsb, got %d on %v", len(pub.payloads), pub.topics)
	}

	batch, err := flight.DecodeBatch(pub.payloads[0])
	if err != nil {
		t.Fatalf("decode published batch: %v", err)
	}
	if len(batch.RegionIDs) != 2 {
		t.Errorf("regionIds = %v", batch.RegionIDs)
	}
	if len(batch.States) != 3 {
		t.Fatalf("expected 3 merged states, got %d", len(batch.States))
	}
	for _, st := range batch.States {
		if st.ICAO24 == "abc123" && !st.ObservedAt.Equal(base.Add(20*time.Second)) {
			t.Errorf("overlap merge kept older observation: %v", st.ObservedAt)
		}
	}
}

func TestCycleBacksOffOnRateLimitAndRestores(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	upstream := &fakeUpstream{err: ErrRateLimited}
	pub := &fakePublisher{}
	registry := region.NewRegistry()
	registry.Replace([]region.Region{testRegion("r1")})
	p := New(registry, upstream, pub, "adsb", 10*time.Second, 35*time.Second, nil, nil)
	p.now = func() time.Time { return base }

	want := []time.Duration{20 * time.Second, 35 * time.Second, 35 * time.Second}
	for i, w := range want {
		p.cycle(context.Background())
		if p.sleep != w {
			t.Errorf("cycle %d: sleep = %v, want %v", i, p.sleep, w)
		}
	}
	if len(pub.payloads) != 0 {
		t.Error("batch published while rate limited")
	}

	upstream.err = nil
	upstream.byRegion = map[string][]flight.State{"r1": {testState("abc123", base)}}
	p.cycle(context.Background())
	if p.sleep != 10*time.Second {
		t.Errorf("sleep not restored after success: %v", p.sleep)
	}
	if len(pub.payloads) != 1 {
		t.Errorf("expected one published batch, got %d", len(pub.payloads))
	}
}

func TestCycleOtherErrorsDoNotBackOff(t *testing.T) {
	upstream := &fakeUpstream{err: errors.New("connection refused")}
	registry := region.NewRegistry()
	registry.Replace([]region.Region{testRegion("r1")})
	p := New(registry, upstream, &fakePublisher{}, "adsb", 10*time.Second, 300*time.Second, nil, nil)

	p.cycle(context.Background())
	if p.sleep != 10*time.Second {
		t.Errorf("plain fetch error changed sleep: %v", p.sleep)
	}
}

func TestCyclePublishFailureDropsBatch(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	upstream := &fakeUpstream{byRegion: map[string][]flight.State{"r1": {testState("abc123", base)}}}
	pub := &fakePublisher{err: errors.New("broker down")}
	registry := region.NewRegistry()
	registry.Replace([]region.Region{testRegion("r1")})
	p := New(registry, upstream, pub, "adsb", 10*time.Second, 300*time.Second, nil, nil)
	p.now = func() time.Time { return base }

	p.cycle(context.Background())
	if p.sleep != 10*time.Second {
		t.Errorf("publish failure changed sleep: %v", p.sleep)
	}
	if len(pub.payloads) != 0 {
		t.Error("payload recorded despite publish failure")
	}
}
