package api

import (
	"fmt"
	"io"
	"log"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"skywatch/region"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxRequestBytes = 1 << 20

// coordinates is the map-client wire form of one corner.
type coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// boundingBox pairs the two corners the map client sends.
type boundingBox struct {
	NorthEast coordinates `json:"northEast"`
	SouthWest coordinates `json:"southWest"`
}

// setRegionsRequest is the body of POST /api/setregions.
type setRegionsRequest struct {
	BoundingBoxes []boundingBox `json:"boundingBoxes"`
}

// handleSetRegions validates a submitted region set and publishes it as one
// replacement message. Validation failures return 400 and nothing reaches
// the broker. Acceptance does not wait for the ingestor: the new scope is
// observed one poll cycle later at the earliest.
func (s *Server) handleSetRegions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	var req setRegionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(req.BoundingBoxes) == 0 {
		writeError(w, http.StatusBadRequest, "no bounding boxes provided")
		return
	}

	now := s.now().UTC()
	regions := make([]region.Region, 0, len(req.BoundingBoxes))
	for i, box := range req.BoundingBoxes {
		// Corners are taken as submitted. A swapped pair is a client bug and
		// gets rejected below rather than silently reordered.
		reg := region.Region{
			ID:        fmt.Sprintf("r%d-%d", now.Unix(), i),
			NELat:     box.NorthEast.Lat,
			NELon:     box.NorthEast.Lng,
			SWLat:     box.SouthWest.Lat,
			SWLon:     box.SouthWest.Lng,
			CreatedAt: now,
		}
		if err := reg.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("bounding box %d rejected: %v", i, err))
			return
		}
		regions = append(regions, reg)
	}

	payload, err := region.EncodeMessage(&region.Message{Regions: regions, SubmittedAt: now})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode region message")
		return
	}
	if err := s.publisher.Publish(s.regionsTopic, payload); err != nil {
		log.Printf("API: region publish failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "region update could not be queued")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%d bounding box(es) accepted", len(regions)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"detail": reason})
}
