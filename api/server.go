// Package api implements the query service HTTP surface: the freshness-
// filtered flight list, region submission, per-aircraft track history, and
// health/metrics endpoints.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"skywatch/archive"
	"skywatch/flight"
	"skywatch/internal/observability"
	"skywatch/region"
	"skywatch/snapshot"
)

// SnapshotReader is the read-only slice of the snapshot store the query
// service uses. It never writes; the aggregator owns mutation.
type SnapshotReader interface {
	Fresh(window time.Duration, now time.Time) ([]snapshot.Entry, error)
	Count() int64
}

// Publisher posts region-set messages to the regions topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Connected() bool
}

// Tracker serves archived history; nil when the archive is disabled.
type Tracker interface {
	Track(icao24 string, since time.Time, limit int) ([]archive.TrackPoint, error)
}

// Server hosts the query service endpoints.
type Server struct {
	store        SnapshotReader
	publisher    Publisher
	tracker      Tracker
	registry     *region.Registry
	metrics      *observability.Metrics
	regionsTopic string
	window       time.Duration
	version      string
	now          func() time.Time

	httpServer *http.Server
}

// Config carries the server wiring.
type Config struct {
	ListenAddr   string
	RegionsTopic string
	Window       time.Duration
	Version      string
}

// NewServer wires the query service. tracker may be nil (archive disabled);
// metrics may be nil in tests.
func NewServer(cfg Config, store SnapshotReader, publisher Publisher, tracker Tracker, registry *region.Registry, metrics *observability.Metrics) *Server {
	s := &Server{
		store:        store,
		publisher:    publisher,
		tracker:      tracker,
		registry:     registry,
		metrics:      metrics,
		regionsTopic: cfg.RegionsTopic,
		window:       cfg.Window,
		version:      cfg.Version,
		now:          time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/flights", s.handleFlights)
	mux.HandleFunc("POST /api/setregions", s.handleSetRegions)
	mux.HandleFunc("GET /api/flights/{icao24}/track", s.handleTrack)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API: server error: %v", err)
		}
	}()
	log.Printf("API: listening on %s", s.httpServer.Addr)
}

// Shutdown stops the server, waiting up to the deadline for in-flight
// requests.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("API: shutdown error: %v", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// flightEntry is the wire form of one snapshot entry.
type flightEntry struct {
	flight.State
	LastUpdated time.Time `json:"lastUpdated"`
}

// handleFlights serves the freshness-filtered snapshot. Downstream pipeline
// trouble never surfaces here: worst case is an empty, possibly stale list.
func (s *Server) handleFlights(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Fresh(s.window, s.now())
	if err != nil {
		log.Printf("API: snapshot read failed: %v", err)
		writeJSON(w, http.StatusOK, []flightEntry{})
		return
	}
	out := make([]flightEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, flightEntry{State: e.State, LastUpdated: e.LastUpdated})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTrack serves archived history for one aircraft.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusNotFound, "history archive is disabled")
		return
	}
	icao24 := r.PathValue("icao24")
	since := s.now().Add(-24 * time.Hour)
	points, err := s.tracker.Track(icao24, since, 500)
	if err != nil {
		log.Printf("API: track read failed: %v", err)
		writeJSON(w, http.StatusOK, []archive.TrackPoint{})
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"brokerConnected": s.publisher.Connected(),
		"snapshotEntries": s.store.Count(),
		"activeRegions":   s.registry.Len(),
		"regionVersion":   fmt.Sprintf("%d", s.registry.Version()),
	})
}
