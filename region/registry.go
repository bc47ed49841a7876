package region

import "sync"

// Registry holds the active region set. The region ingestor is the only
// writer; the poller reads a copy once per cycle. A single mutex guards the
// swap so a reader never observes a mix of old and new regions.
type Registry struct {
	mu      sync.Mutex
	regions []Region
	version uint64
}

// NewRegistry returns an empty registry. An empty active set makes the
// poller skip its cycle; it never means an implicit full-globe query.
func NewRegistry() *Registry {
	return &Registry{}
}

// Replace atomically swaps the entire active set. The slice is copied so the
// caller cannot mutate registry state after the call returns.
func (r *Registry) Replace(regions []Region) {
	next := make([]Region, len(regions))
	copy(next, regions)

	r.mu.Lock()
	r.regions = next
	r.version++
	r.mu.Unlock()
}

// Snapshot returns a consistent point-in-time copy of the active set.
func (r *Registry) Snapshot() []Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Region, len(r.regions))
	copy(out, r.regions)
	return out
}

// Version returns the replacement generation, used by health reporting to
// show whether any submission has been applied yet.
func (r *Registry) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Len reports the number of active regions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regions)
}
