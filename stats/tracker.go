// Package stats tracks pipeline counters for the periodic console summary.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker accumulates pipeline activity since process start. Counters are
// atomics so hot-path increments never contend on a mutex.
type Tracker struct {
	start atomic.Int64

	PollCycles       atomic.Uint64
	BatchesPublished atomic.Uint64
	BatchesConsumed  atomic.Uint64
	StatesApplied    atomic.Uint64
	StatesStale      atomic.Uint64
	RegionUpdates    atomic.Uint64
}

// NewTracker creates a tracker anchored at now.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// Uptime returns the time since the tracker was created.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// Summary renders a one-line human-readable activity summary.
func (t *Tracker) Summary(snapshotEntries int64, activeRegions int) string {
	return fmt.Sprintf("uptime %s | cycles %s | batches out/in %s/%s | states applied/stale %s/%s | regions %d | snapshot %s",
		t.Uptime().Round(time.Second),
		humanize.Comma(int64(t.PollCycles.Load())),
		humanize.Comma(int64(t.BatchesPublished.Load())),
		humanize.Comma(int64(t.BatchesConsumed.Load())),
		humanize.Comma(int64(t.StatesApplied.Load())),
		humanize.Comma(int64(t.StatesStale.Load())),
		activeRegions,
		humanize.Comma(snapshotEntries),
	)
}
