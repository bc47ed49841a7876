// Package flight defines the canonical aircraft state structure and helpers
// used across the pipeline: OpenSky state vector adaptation, batch
// serialization for the broker, and hashing for duplicate-batch suppression.
package flight

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PositionSource identifies where an upstream position report came from.
type PositionSource int

const (
	PositionADSB    PositionSource = 0 // ADS-B transponder
	PositionASTERIX PositionSource = 1 // ASTERIX radar feed
	PositionMLAT    PositionSource = 2 // Multilateration
	PositionFLARM   PositionSource = 3 // FLARM (gliders)
)

// State represents one aircraft state vector in canonical form.
// ICAO24 is the natural key; ObservedAt carries the upstream-reported
// timestamp, never the local arrival time.
type State struct {
	ICAO24        string         `json:"icao24"`
	Callsign      string         `json:"callsign"`
	OriginCountry string         `json:"originCountry,omitempty"`
	Latitude      float64        `json:"latitude"`
	Longitude     float64        `json:"longitude"`
	BaroAltitude  float64        `json:"baroAltitude,omitempty"`
	GeoAltitude   float64        `json:"geoAltitude,omitempty"`
	OnGround      bool           `json:"onGround,omitempty"`
	Velocity      float64        `json:"velocity"`
	Heading       float64        `json:"heading"`
	VerticalRate  float64        `json:"verticalRate,omitempty"`
	Squawk        string         `json:"squawk,omitempty"`
	Source        PositionSource `json:"positionSource,omitempty"`
	ObservedAt    time.Time      `json:"observedAt"`
}

// NewState creates a state vector with a normalized key and callsign.
func NewState(icao24, callsign string, lat, lon float64, observedAt time.Time) *State {
	return &State{
		ICAO24:     NormalizeICAO24(icao24),
		Callsign:   strings.TrimSpace(callsign),
		Latitude:   lat,
		Longitude:  lon,
		ObservedAt: observedAt.UTC(),
	}
}

// Valid reports whether the state carries the minimum required fields.
// States without a key, a position, or a timestamp cannot be aggregated.
func (s *State) Valid() bool {
	if s == nil || s.ICAO24 == "" || s.ObservedAt.IsZero() {
		return false
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return false
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return false
	}
	return true
}

// NormalizeICAO24 canonicalizes a transponder address for use as a store key.
func NormalizeICAO24(icao24 string) string {
	return strings.ToLower(strings.TrimSpace(icao24))
}

// Batch is one poll cycle's worth of state vectors, published to the adsb
// topic as a single message. Keeping the whole cycle in one message bounds
// broker message-count growth and gives the aggregator a natural unit of work.
type Batch struct {
	RegionIDs []string  `json:"regionIds,omitempty"` // regions the cycle was scoped to
	FetchedAt time.Time `json:"fetchedAt"`           // when the poller completed the cycle
	States    []State   `json:"states"`
}

// EncodeBatch serializes a batch for the broker.
func EncodeBatch(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBatch parses a broker payload back into a batch.
func DecodeBatch(payload []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Hash returns a 64-bit digest of the batch payload used to suppress
// redelivered duplicates before they reach the store.
func Hash(payload []byte) uint64 {
	return xxh3.Hash(payload)
}
