package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"skywatch/config"
	"skywatch/flight"
)

func testConfig(t *testing.T) config.ArchiveConfig {
	t.Helper()
	return config.ArchiveConfig{
		Enabled:         true,
		DBPath:          filepath.Join(t.TempDir(), "archive.db"),
		RetentionDays:   30,
		BatchSize:       10,
		BatchIntervalMS: 10,
		QueueSize:       100,
		BusyTimeoutMS:   1000,
	}
}

func testState(icao24 string, observedAt time.Time) flight.State {
	return flight.State{
		ICAO24:      icao24,
		Callsign:    "TST1",
		Latitude:    50.0,
		Longitude:   8.5,
		GeoAltitude: 11000,
		Velocity:    230,
		Heading:     85,
		ObservedAt:  observedAt,
	}
}

// fillAndClose writes the given states through a writer's normal enqueue and
// drain path, then closes it so a reopened writer can query them.
func fillAndClose(t *testing.T, cfg config.ArchiveConfig, arrived time.Time, states ...flight.State) {
	t.Helper()
	w, err := NewWriter(cfg, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.Start()
	for _, st := range states {
		w.Enqueue(st, arrived)
	}
	w.Stop() // drains the queue before closing
}

func TestEnqueueAndTrack(t *testing.T) {
	cfg := testConfig(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fillAndClose(t, cfg, base,
		testState("abc123", base),
		testState("abc123", base.Add(10*time.Second)),
		testState("abc123", base.Add(20*time.Second)),
		testState("other1", base),
	)

	w, err := NewWriter(cfg, nil)
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	w.Start()
	defer w.Stop()

	points, err := w.Track("ABC123", base.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	// Newest first.
	if !points[0].ObservedAt.Equal(base.Add(20 * time.Second)) {
		t.Errorf("first point = %v, want newest", points[0].ObservedAt)
	}
	if points[0].Altitude != 11000 || points[0].Velocity != 230 {
		t.Errorf("point fields: %+v", points[0])
	}
}

func TestTrackHonorsSinceAndLimit(t *testing.T) {
	cfg := testConfig(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var states []flight.State
	for i := 0; i < 5; i++ {
		states = append(states, testState("abc123", base.Add(time.Duration(i)*time.Minute)))
	}
	fillAndClose(t, cfg, base, states...)

	w, err := NewWriter(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	w.Start()
	defer w.Stop()

	points, err := w.Track("abc123", base.Add(90*time.Second), 0)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(points) != 3 {
		t.Errorf("since filter: got %d points, want 3", len(points))
	}

	points, err = w.Track("abc123", base.Add(-time.Hour), 2)
	if err != nil {
		t.Fatalf("track with limit: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("limit: got %d points, want 2", len(points))
	}
}

func TestCleanupOnceEnforcesRetention(t *testing.T) {
	cfg := testConfig(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fillAndClose(t, cfg, now,
		testState("old1", now.AddDate(0, 0, -45)),
		testState("new1", now.Add(-time.Hour)),
	)

	w, err := NewWriter(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	w.Start()
	defer w.Stop()

	removed, err := w.CleanupOnce(now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	points, err := w.Track("new1", now.AddDate(0, 0, -60), 0)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("in-retention row lost: %d points", len(points))
	}
}

func TestEnqueueDropsOnBackpressure(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 1
	w, err := NewWriter(cfg, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.db.Close()

	// The insert loop is deliberately not started: the queue fills after one
	// entry and every further write must drop instead of blocking.
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Enqueue(testState("a", base), base)
	w.Enqueue(testState("b", base), base)
	w.Enqueue(testState("c", base), base)

	if got := w.Drops(); got != 2 {
		t.Errorf("drops = %d, want 2", got)
	}
}

func TestPreflightQuarantinesCorruptDatabase(t *testing.T) {
	cfg := testConfig(t)
	junk := append([]byte("definitely not a sqlite database"), make([]byte, 4096)...)
	if err := os.WriteFile(cfg.DBPath, junk, 0o644); err != nil {
		t.Fatalf("plant corrupt db: %v", err)
	}

	w, err := NewWriter(cfg, nil)
	if err != nil {
		t.Fatalf("writer should survive a corrupt archive: %v", err)
	}
	w.Start()
	w.Enqueue(testState("abc123", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	w.Stop()
}
