// Package ingest consumes region-set messages from the regions topic and
// replaces the active set in the registry. Malformed messages are dropped
// with a logged reason; the consumer survives any input.
package ingest

import (
	"log"
	"time"

	"skywatch/internal/observability"
	"skywatch/internal/ratelimit"
	"skywatch/region"
	"skywatch/stats"
)

// RegionIngestor owns all writes to the region registry.
type RegionIngestor struct {
	registry *region.Registry
	metrics  *observability.Metrics
	tracker  *stats.Tracker

	malformedLog *ratelimit.Limiter
}

// New creates a region ingestor; use HandleMessage as the regions topic
// subscription handler.
func New(registry *region.Registry, metrics *observability.Metrics, tracker *stats.Tracker) *RegionIngestor {
	return &RegionIngestor{
		registry:     registry,
		metrics:      metrics,
		tracker:      tracker,
		malformedLog: ratelimit.Every(30 * time.Second),
	}
}

// HandleMessage applies one raw broker payload synchronously on the broker's
// router goroutine. Replacing the registry is a mutex-guarded slice swap, so
// there is nothing worth deferring to a queue, and the broker ack only goes
// out once the new set is actually active.
func (ri *RegionIngestor) HandleMessage(payload []byte) {
	ri.apply(payload)
}

// apply validates a region-set message and atomically replaces the registry
// contents. Any invalid box poisons only this message, never the consumer.
func (ri *RegionIngestor) apply(payload []byte) {
	msg, err := region.DecodeMessage(payload)
	if err != nil {
		ri.dropMalformed("undecodable region message", err)
		return
	}
	for i := range msg.Regions {
		if err := msg.Regions[i].Validate(); err != nil {
			ri.dropMalformed("invalid region in message", err)
			return
		}
	}

	ri.registry.Replace(msg.Regions)
	if ri.tracker != nil {
		ri.tracker.RegionUpdates.Add(1)
	}
	if ri.metrics != nil {
		ri.metrics.RegionSetsApplied.Inc()
		ri.metrics.ActiveRegions.Set(float64(len(msg.Regions)))
	}
	log.Printf("RegionIngestor: active set replaced, %d region(s)", len(msg.Regions))
}

func (ri *RegionIngestor) dropMalformed(reason string, err error) {
	if ri.metrics != nil {
		ri.metrics.MalformedDrops.WithLabelValues("regions").Inc()
	}
	if total, ok := ri.malformedLog.Allow(); ok {
		log.Printf("RegionIngestor: %s, dropped (total %d): %v", reason, total, err)
	}
}
