package poller

import (
	"context"
	"errors"
	"log"
	"time"

	"skywatch/flight"
	"skywatch/internal/observability"
	"skywatch/internal/ratelimit"
	"skywatch/region"
	"skywatch/stats"
)

// Publisher is the slice of the broker client the poller needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Upstream abstracts the tracking API client for tests.
type Upstream interface {
	FetchRegion(ctx context.Context, r region.Region) ([]flight.State, int, error)
}

// Poller runs the cycle loop: Idle -> Fetching -> Publishing -> Sleeping.
// A fetch failure skips straight to Sleeping; there is no mid-cycle retry
// and a skipped cycle is normal operation, not an error.
type Poller struct {
	registry   *region.Registry
	upstream   Upstream
	publisher  Publisher
	topic      string
	interval   time.Duration
	backoffCap time.Duration
	metrics    *observability.Metrics
	tracker    *stats.Tracker
	now        func() time.Time

	sleep   time.Duration // current sleep; above interval while backed off
	skipLog *ratelimit.Limiter
}

// New creates a poller. interval is the base cycle period; backoffCap bounds
// the backed-off sleep under sustained upstream rate limiting.
func New(registry *region.Registry, upstream Upstream, publisher Publisher, topic string, interval, backoffCap time.Duration, metrics *observability.Metrics, tracker *stats.Tracker) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if backoffCap < interval {
		backoffCap = interval
	}
	return &Poller{
		registry:   registry,
		upstream:   upstream,
		publisher:  publisher,
		topic:      topic,
		interval:   interval,
		backoffCap: backoffCap,
		metrics:    metrics,
		tracker:    tracker,
		now:        time.Now,
		sleep:      interval,
		skipLog:    ratelimit.Every(time.Minute),
	}
}

// Run loops until the context is canceled. The sleep between cycles is a
// cancellable timer, so shutdown never waits out a full interval.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("Poller: starting, base interval %s", p.interval)
	timer := time.NewTimer(0) // first cycle immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Poller: stopped")
			return
		case <-timer.C:
		}

		p.cycle(ctx)

		if p.metrics != nil {
			p.metrics.BackoffSeconds.Set((p.sleep - p.interval).Seconds())
		}
		timer.Reset(p.sleep)
	}
}

// cycle performs one fetch+publish pass and adjusts the next sleep.
func (p *Poller) cycle(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.PollCycles.Inc()
	}
	if p.tracker != nil {
		p.tracker.PollCycles.Add(1)
	}

	regions := p.registry.Snapshot()
	if len(regions) == 0 {
		// An empty active set means poll nothing. Never an implicit
		// full-globe query.
		if p.metrics != nil {
			p.metrics.PollSkips.Inc()
		}
		if total, ok := p.skipLog.Allow(); ok {
			log.Printf("Poller: no active regions, skipping cycle (total skips %d)", total)
		}
		return
	}

	batch, err := p.fetch(ctx, regions)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PollErrors.Inc()
		}
		if errors.Is(err, ErrRateLimited) {
			p.backOff()
			log.Printf("Poller: upstream rate limited, next cycle in %s", p.sleep)
		} else {
			log.Printf("Poller: cycle abandoned: %v", err)
		}
		return
	}

	payload, err := flight.EncodeBatch(batch)
	if err != nil {
		log.Printf("Poller: encode batch: %v", err)
		return
	}
	if err := p.publisher.Publish(p.topic, payload); err != nil {
		// Bounded loss: this cycle's batch is dropped, the next one
		// supersedes it anyway.
		if p.metrics != nil {
			p.metrics.PublishErrors.Inc()
		}
		log.Printf("Poller: publish failed, batch dropped: %v", err)
		return
	}

	if p.metrics != nil {
		p.metrics.BatchesPublished.Inc()
	}
	if p.tracker != nil {
		p.tracker.BatchesPublished.Add(1)
	}
	p.restore()
}

// fetch queries every active region and merges the results by icao24,
// keeping the newest ObservedAt when regions overlap. Each region gets its
// own bounded-box query; a union box over disjoint regions would over-fetch
// arbitrarily much airspace between them.
func (p *Poller) fetch(ctx context.Context, regions []region.Region) (*flight.Batch, error) {
	merged := make(map[string]flight.State)
	ids := make([]string, 0, len(regions))

	for _, r := range regions {
		states, skipped, err := p.upstream.FetchRegion(ctx, r)
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			log.Printf("Poller: region %s: %d unusable vectors skipped", r.ID, skipped)
		}
		for _, st := range states {
			if prev, ok := merged[st.ICAO24]; ok && !st.ObservedAt.After(prev.ObservedAt) {
				continue
			}
			merged[st.ICAO24] = st
		}
		ids = append(ids, r.ID)
	}

	batch := &flight.Batch{
		RegionIDs: ids,
		FetchedAt: p.now().UTC(),
		States:    make([]flight.State, 0, len(merged)),
	}
	for _, st := range merged {
		batch.States = append(batch.States, st)
	}
	return batch, nil
}

// backOff doubles the sleep up to the configured cap.
func (p *Poller) backOff() {
	p.sleep *= 2
	if p.sleep > p.backoffCap {
		p.sleep = p.backoffCap
	}
}

// restore resets the sleep to the base interval after a successful cycle.
func (p *Poller) restore() {
	p.sleep = p.interval
}
