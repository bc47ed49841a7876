// Package region defines the geographic bounding boxes that scope upstream
// polling, their validation rules, and the registry holding the active set.
package region

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

// ErrDegenerate marks a bounding box with no area or an inverted corner pair.
var ErrDegenerate = errors.New("region: bounding box is degenerate")

// Region is a user-submitted bounding box restricting which aircraft the
// poller requests. Boxes spanning the anti-meridian are rejected at
// submission time, so NELon > SWLon always holds for an accepted region.
type Region struct {
	ID        string    `json:"id" validate:"required"`
	NELat     float64   `json:"northEastLat" validate:"gte=-90,lte=90"`
	NELon     float64   `json:"northEastLon" validate:"gte=-180,lte=180"`
	SWLat     float64   `json:"southWestLat" validate:"gte=-90,lte=90"`
	SWLon     float64   `json:"southWestLon" validate:"gte=-180,lte=180"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks coordinate ranges and box shape. A box whose north-east
// corner does not lie strictly north and east of the south-west corner never
// reaches the broker.
func (r *Region) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("region %s: %w", r.ID, err)
	}
	if r.NELat <= r.SWLat || r.NELon <= r.SWLon {
		return fmt.Errorf("region %s: %w", r.ID, ErrDegenerate)
	}
	return nil
}

// Message is the wire form carried on the regions topic: one full active set
// per submission. The ingestor replaces the registry contents with it.
type Message struct {
	Regions     []Region  `json:"regions"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// EncodeMessage serializes a region-set message for the broker.
func EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a broker payload into a region-set message.
func DecodeMessage(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
