package flight

import (
	"fmt"
	"time"
)

// OpenSky /states/all responses carry each state vector as a positional JSON
// array with mixed types and liberal use of null. The indexes below follow
// the upstream REST documentation.
const (
	osIdxICAO24 = iota
	osIdxCallsign
	osIdxOriginCountry
	osIdxTimePosition
	osIdxLastContact
	osIdxLongitude
	osIdxLatitude
	osIdxBaroAltitude
	osIdxOnGround
	osIdxVelocity
	osIdxTrueTrack
	osIdxVerticalRate
	osIdxSensors
	osIdxGeoAltitude
	osIdxSquawk
	osIdxSPI
	osIdxPositionSource
	osMinFields = osIdxPositionSource + 1
)

// OpenSkyResponse mirrors the upstream /states/all payload shape.
type OpenSkyResponse struct {
	Time   int64   `json:"time"`
	States [][]any `json:"states"`
}

// ParseOpenSky decodes an upstream response body and adapts every well-formed
// state vector into the canonical form. Vectors without a key, a position, or
// a timestamp are counted and skipped rather than failing the whole payload.
func ParseOpenSky(body []byte) ([]State, int, error) {
	var resp OpenSkyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, fmt.Errorf("flight: decode opensky response: %w", err)
	}

	states := make([]State, 0, len(resp.States))
	skipped := 0
	for _, raw := range resp.States {
		s, ok := adaptVector(raw)
		if !ok {
			skipped++
			continue
		}
		states = append(states, s)
	}
	return states, skipped, nil
}

// adaptVector converts one positional vector into a State. Returns false when
// required fields are null or malformed.
func adaptVector(raw []any) (State, bool) {
	if len(raw) < osMinFields {
		return State{}, false
	}
	icao24 := NormalizeICAO24(asString(raw[osIdxICAO24]))
	lon, lonOK := asFloat(raw[osIdxLongitude])
	lat, latOK := asFloat(raw[osIdxLatitude])
	if icao24 == "" || !lonOK || !latOK {
		return State{}, false
	}

	// time_position is null for aircraft without a recent position report;
	// last_contact is always set and is an acceptable stand-in.
	observed, obsOK := asFloat(raw[osIdxTimePosition])
	if !obsOK {
		observed, obsOK = asFloat(raw[osIdxLastContact])
	}
	if !obsOK || observed <= 0 {
		return State{}, false
	}

	s := State{
		ICAO24:        icao24,
		Callsign:      trimCallsign(asString(raw[osIdxCallsign])),
		OriginCountry: asString(raw[osIdxOriginCountry]),
		Latitude:      lat,
		Longitude:     lon,
		OnGround:      asBool(raw[osIdxOnGround]),
		ObservedAt:    time.Unix(int64(observed), 0).UTC(),
	}
	if v, ok := asFloat(raw[osIdxBaroAltitude]); ok {
		s.BaroAltitude = v
	}
	if v, ok := asFloat(raw[osIdxGeoAltitude]); ok {
		s.GeoAltitude = v
	}
	if v, ok := asFloat(raw[osIdxVelocity]); ok {
		s.Velocity = v
	}
	if v, ok := asFloat(raw[osIdxTrueTrack]); ok {
		s.Heading = v
	}
	if v, ok := asFloat(raw[osIdxVerticalRate]); ok {
		s.VerticalRate = v
	}
	s.Squawk = asString(raw[osIdxSquawk])
	if v, ok := asFloat(raw[osIdxPositionSource]); ok {
		s.Source = PositionSource(int(v))
	}
	if !s.Valid() {
		return State{}, false
	}
	return s, true
}

// trimCallsign strips the fixed-width padding OpenSky leaves on callsigns.
func trimCallsign(callsign string) string {
	for len(callsign) > 0 && callsign[len(callsign)-1] == ' ' {
		callsign = callsign[:len(callsign)-1]
	}
	for len(callsign) > 0 && callsign[0] == ' ' {
		callsign = callsign[1:]
	}
	return callsign
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
