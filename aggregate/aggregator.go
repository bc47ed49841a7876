// Package aggregate consumes state vector batches from the adsb topic and
// folds them into the snapshot store with idempotent, order-aware upserts.
//
// Concurrency contract:
//   - HandleMessage runs synchronously on the broker's router goroutine, so
//     the broker ack is only sent after every record in the batch has been
//     attempted. Crash before the ack means redelivery, which is safe.
//   - The recent-batch cache is mutex-guarded against the cleanup ticker.
//   - Store writes go through the store's own per-key locking; two
//     aggregator instances sharing a store would still be safe.
package aggregate

import (
	"log"
	"sync"
	"time"

	"skywatch/flight"
	"skywatch/internal/observability"
	"skywatch/internal/ratelimit"
	"skywatch/stats"
)

// Store is the slice of the snapshot store the aggregator needs.
type Store interface {
	Upsert(st flight.State, arrivedAt time.Time) (bool, error)
	Count() int64
}

// Archiver receives every applied state vector for history retention.
// A nil archiver disables archiving.
type Archiver interface {
	Enqueue(st flight.State, arrivedAt time.Time)
}

const (
	recentBatchWindow = 10 * time.Minute
	cleanupInterval   = time.Minute
)

// Aggregator applies adsb batches to the snapshot store. Re-processing a
// batch is a no-op (hash suppression plus the store's monotonic rule), and
// out-of-order batches self-correct to the newest ObservedAt per aircraft.
type Aggregator struct {
	store   Store
	archive Archiver
	metrics *observability.Metrics
	tracker *stats.Tracker
	now     func() time.Time

	shutdown chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	recent map[uint64]time.Time // batch hash -> first seen

	malformedLog *ratelimit.Limiter
	upsertLog    *ratelimit.Limiter
}

// New creates an aggregator; call Start to begin the cache cleanup loop and
// use HandleMessage as the adsb topic subscription handler.
func New(store Store, archive Archiver, metrics *observability.Metrics, tracker *stats.Tracker) *Aggregator {
	return newAggregator(store, archive, metrics, tracker, time.Now)
}

func newAggregator(store Store, archive Archiver, metrics *observability.Metrics, tracker *stats.Tracker, now func() time.Time) *Aggregator {
	return &Aggregator{
		store:        store,
		archive:      archive,
		metrics:      metrics,
		tracker:      tracker,
		now:          now,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		recent:       make(map[uint64]time.Time),
		malformedLog: ratelimit.Every(30 * time.Second),
		upsertLog:    ratelimit.Every(30 * time.Second),
	}
}

// Start launches the recent-batch cache cleanup loop.
func (a *Aggregator) Start() {
	go a.cleanupLoop()
}

// Stop signals the cleanup loop to exit and waits for it. Batch application
// itself happens on the broker's goroutine and needs no draining here.
func (a *Aggregator) Stop() {
	close(a.shutdown)
	<-a.done
}

// HandleMessage applies one raw broker payload in place. Blocking the
// broker's router goroutine for the duration of the batch is deliberate:
// it delays the ack until the whole batch was attempted, and it applies
// natural backpressure instead of dropping under load.
func (a *Aggregator) HandleMessage(payload []byte) {
	a.applyPayload(payload)
}

func (a *Aggregator) cleanupLoop() {
	defer close(a.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdown:
			log.Println("Aggregator: stopped")
			return
		case <-ticker.C:
			a.cleanupRecent(a.now())
		}
	}
}

// applyPayload runs one batch through hash suppression, decoding, and
// per-record conditional upserts. Every record is attempted even when some
// fail; the batch is never aborted part-way.
func (a *Aggregator) applyPayload(payload []byte) {
	if a.metrics != nil {
		a.metrics.BatchesConsumed.Inc()
	}
	if a.tracker != nil {
		a.tracker.BatchesConsumed.Add(1)
	}
	now := a.now()

	hash := flight.Hash(payload)
	if a.seenRecently(hash, now) {
		if a.metrics != nil {
			a.metrics.DuplicateBatches.Inc()
		}
		return
	}

	batch, err := flight.DecodeBatch(payload)
	if err != nil {
		if a.metrics != nil {
			a.metrics.MalformedDrops.WithLabelValues("adsb").Inc()
		}
		if total, ok := a.malformedLog.Allow(); ok {
			log.Printf("Aggregator: dropping malformed batch (total %d): %v", total, err)
		}
		return
	}

	applied, stale, invalid := 0, 0, 0
	for i := range batch.States {
		st := &batch.States[i]
		if !st.Valid() {
			invalid++
			continue
		}
		ok, err := a.store.Upsert(*st, now)
		if err != nil {
			if a.metrics != nil {
				a.metrics.UpsertErrors.Inc()
			}
			if total, allow := a.upsertLog.Allow(); allow {
				log.Printf("Aggregator: upsert %s failed (total %d): %v", st.ICAO24, total, err)
			}
			continue
		}
		if ok {
			applied++
			if a.archive != nil {
				a.archive.Enqueue(*st, now)
			}
		} else {
			stale++
		}
	}

	// Remember the batch only after the whole batch was attempted: a crash
	// before this point leads to a redelivery that is safe to reapply.
	a.rememberBatch(hash, now)

	if a.tracker != nil {
		a.tracker.StatesApplied.Add(uint64(applied))
		a.tracker.StatesStale.Add(uint64(stale))
	}
	if a.metrics != nil {
		a.metrics.UpsertsApplied.Add(float64(applied))
		a.metrics.UpsertsStale.Add(float64(stale))
		if invalid > 0 {
			a.metrics.MalformedDrops.WithLabelValues("adsb").Add(float64(invalid))
		}
		a.metrics.SnapshotSize.Set(float64(a.store.Count()))
	}
	if invalid > 0 {
		if total, ok := a.malformedLog.Allow(); ok {
			log.Printf("Aggregator: skipped %d invalid state vectors in batch (total %d)", invalid, total)
		}
	}
}

func (a *Aggregator) seenRecently(hash uint64, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen, ok := a.recent[hash]
	return ok && now.Sub(seen) < recentBatchWindow
}

func (a *Aggregator) rememberBatch(hash uint64, now time.Time) {
	a.mu.Lock()
	a.recent[hash] = now
	a.mu.Unlock()
}

func (a *Aggregator) cleanupRecent(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for hash, seen := range a.recent {
		if now.Sub(seen) >= recentBatchWindow {
			delete(a.recent, hash)
		}
	}
}
