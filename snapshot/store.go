// Package snapshot persists the latest-known state per aircraft in a Pebble
// key/value store, providing the monotonic conditional upsert the aggregator
// relies on and the freshness-filtered reads the query service serves.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/zeebo/xxh3"

	"skywatch/flight"
)

const (
	recordVersion    = 1
	recordHeaderSize = 81
)

const recordFlagOnGround = 1 << 0

const (
	statePrefix   = "f|"
	updatedPrefix = "u|"
	metaCountKey  = "meta|count"
)

// lockShardCount must remain a power of two for mask-based shard selection.
const lockShardCount = 64

var (
	errStoreClosed   = errors.New("snapshot: store is closed")
	errInvalidCount  = errors.New("snapshot: invalid count metadata")
	errInvalidRecord = errors.New("snapshot: invalid record encoding")
)

const (
	defaultCacheSizeBytes        = int64(32 << 20)
	defaultBloomFilterBits       = 10
	defaultMemTableSizeBytes     = uint64(16 << 20)
	defaultL0CompactionThreshold = 4
	defaultL0StopWritesThreshold = 16
)

// Options controls Pebble tuning for the snapshot store. Zero or negative
// fields are replaced with safe defaults.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	L0CompactionThreshold int
	L0StopWritesThreshold int
}

// Entry is one stored snapshot record: the state vector plus its local
// arrival time. LastUpdated drives the freshness filter; ObservedAt drives
// the monotonic upsert rule.
type Entry struct {
	State       flight.State
	LastUpdated time.Time
}

// Store manages the Pebble database holding the per-aircraft snapshot.
// Writers take a per-key shard lock around the read-compare-write, so
// aggregation of unrelated aircraft is never serialized against each other.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache

	locks [lockShardCount]sync.Mutex

	// countMu serializes every read-modify-write of the entry counter and
	// its persisted meta record. Per-key shard locks are not enough: an
	// insert and a purge on different shards would otherwise race the
	// Load/Store pair and lose an update.
	countMu sync.Mutex
	count   atomic.Int64
	closed  atomic.Bool
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.L0CompactionThreshold <= 0 {
		opts.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
		opts.L0StopWritesThreshold = defaultL0StopWritesThreshold
		if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
			opts.L0StopWritesThreshold = opts.L0CompactionThreshold + 4
		}
	}
	return opts
}

// Open opens or creates the snapshot database.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("snapshot: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("snapshot: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache:                 pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWritesThreshold,
	}
	filter := bloom.FilterPolicy(opts.BloomFilterBitsPerKey)
	level := pebble.LevelOptions{
		FilterPolicy: filter,
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("snapshot: open: %w", err)
	}

	count, err := loadCount(db)
	if err != nil {
		_ = db.Close()
		pebbleOpts.Cache.Unref()
		return nil, err
	}

	store := &Store{db: db, cache: pebbleOpts.Cache}
	store.count.Store(count)
	return store, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Upsert applies one state vector under the monotonic rule: write if the key
// is absent or the incoming ObservedAt is strictly newer than the stored one,
// otherwise leave the entry untouched. Returns whether the write was applied.
// Each call is independently atomic (record, index, and count commit in one
// synced batch), so a crash mid-batch upstream is safe to replay.
func (s *Store) Upsert(st flight.State, arrivedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("snapshot: store is not initialized")
	}
	if s.closed.Load() {
		return false, errStoreClosed
	}
	key := flight.NormalizeICAO24(st.ICAO24)
	if key == "" {
		return false, errors.New("snapshot: icao24 is empty")
	}
	st.ICAO24 = key

	lock := &s.locks[xxh3.HashString(key)&(lockShardCount-1)]
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := s.getEntry(key)
	if err != nil {
		return false, err
	}
	if found && !st.ObservedAt.After(existing.State.ObservedAt) {
		// Out-of-order or duplicated redelivery; the stored state is newer.
		return false, nil
	}

	entry := Entry{State: st, LastUpdated: arrivedAt.UTC()}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(stateKeyBytes(key), encodeEntry(entry), nil); err != nil {
		return false, fmt.Errorf("snapshot: batch set %s: %w", key, err)
	}
	if found {
		prev := updatedKeyBytes(existing.LastUpdated.UnixMilli(), key)
		if err := batch.Delete(prev, nil); err != nil {
			return false, fmt.Errorf("snapshot: batch delete idx %s: %w", key, err)
		}
	}
	if err := batch.Set(updatedKeyBytes(entry.LastUpdated.UnixMilli(), key), nil, nil); err != nil {
		return false, fmt.Errorf("snapshot: batch set idx %s: %w", key, err)
	}

	if !found {
		s.countMu.Lock()
		count := s.count.Load() + 1
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			s.countMu.Unlock()
			return false, fmt.Errorf("snapshot: batch set count: %w", err)
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			s.countMu.Unlock()
			return false, fmt.Errorf("snapshot: batch commit %s: %w", key, err)
		}
		s.count.Store(count)
		s.countMu.Unlock()
		return true, nil
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("snapshot: batch commit %s: %w", key, err)
	}
	return true, nil
}

// Get fetches one entry by icao24, returning (nil, nil) when absent.
func (s *Store) Get(icao24 string) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("snapshot: store is not initialized")
	}
	key := flight.NormalizeICAO24(icao24)
	if key == "" {
		return nil, errors.New("snapshot: icao24 is empty")
	}
	entry, found, err := s.getEntry(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

// Fresh returns all entries whose LastUpdated falls within the window ending
// at now. Stale entries are excluded but never deleted here; expiry on the
// read path is passive, bounded-staleness cleanup belongs to maintenance.
func (s *Store) Fresh(window time.Duration, now time.Time) ([]Entry, error) {
	cutoff := now.Add(-window)
	return s.scan(func(e Entry) bool {
		return !e.LastUpdated.Before(cutoff)
	})
}

// All returns every stored entry regardless of age.
func (s *Store) All() ([]Entry, error) {
	return s.scan(func(Entry) bool { return true })
}

// Count returns the number of stored aircraft.
func (s *Store) Count() int64 {
	if s == nil {
		return 0
	}
	return s.count.Load()
}

// PurgeOlderThan deletes entries whose LastUpdated is before the cutoff,
// using the arrival-time index. Run from maintenance to bound disk growth;
// the freshness filter already hides these entries from readers.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("snapshot: store is not initialized")
	}
	if s.closed.Load() {
		return 0, errStoreClosed
	}
	upper := updatedKeyBytes(cutoff.UnixMilli(), "")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(updatedPrefix),
		UpperBound: upper,
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot: purge iterator: %w", err)
	}

	// Collect first, then delete under the per-key locks so a concurrent
	// upsert never races the purge on the same aircraft.
	type victim struct {
		key string
		ms  int64
	}
	var victims []victim
	for iter.First(); iter.Valid(); iter.Next() {
		ms, key, ok := parseUpdatedKey(iter.Key())
		if !ok {
			continue
		}
		victims = append(victims, victim{key: key, ms: ms})
	}
	iterErr := iter.Error()
	_ = iter.Close()
	if iterErr != nil {
		return 0, fmt.Errorf("snapshot: purge iterate: %w", iterErr)
	}

	removed := int64(0)
	for _, v := range victims {
		lock := &s.locks[xxh3.HashString(v.key)&(lockShardCount-1)]
		lock.Lock()
		entry, found, err := s.getEntry(v.key)
		if err != nil {
			lock.Unlock()
			return removed, err
		}
		// Re-check under the lock; an upsert may have refreshed the entry.
		// Either way the index key for the observed timestamp is obsolete
		// and gets removed, so orphans never accumulate across purges.
		if !found || entry.LastUpdated.UnixMilli() != v.ms {
			_ = s.db.Delete(updatedKeyBytes(v.ms, v.key), pebble.NoSync)
			lock.Unlock()
			continue
		}
		s.countMu.Lock()
		count := s.count.Load() - 1
		if count < 0 {
			count = 0
		}
		batch := s.db.NewBatch()
		_ = batch.Delete(stateKeyBytes(v.key), nil)
		_ = batch.Delete(updatedKeyBytes(v.ms, v.key), nil)
		_ = batch.Set([]byte(metaCountKey), encodeCount(count), nil)
		if err := batch.Commit(pebble.Sync); err != nil {
			_ = batch.Close()
			s.countMu.Unlock()
			lock.Unlock()
			return removed, fmt.Errorf("snapshot: purge commit %s: %w", v.key, err)
		}
		_ = batch.Close()
		s.count.Store(count)
		s.countMu.Unlock()
		removed++
		lock.Unlock()
	}
	return removed, nil
}

func (s *Store) scan(keep func(Entry) bool) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("snapshot: store is not initialized")
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(statePrefix))
	if err != nil {
		return nil, fmt.Errorf("snapshot: scan iterator: %w", err)
	}
	defer iter.Close()

	var list []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		key, ok := parseStateKey(iter.Key())
		if !ok {
			continue
		}
		entry, err := decodeEntry(key, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode %s: %w", key, err)
		}
		if keep(entry) {
			list = append(list, entry)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("snapshot: scan iterate: %w", err)
	}
	return list, nil
}

func (s *Store) getEntry(key string) (Entry, bool, error) {
	value, closer, err := s.db.Get(stateKeyBytes(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("snapshot: get %s: %w", key, err)
	}
	defer closer.Close()
	entry, err := decodeEntry(key, value)
	if err != nil {
		return Entry{}, false, fmt.Errorf("snapshot: decode %s: %w", key, err)
	}
	return entry, true, nil
}

func encodeEntry(e Entry) []byte {
	callsign := e.State.Callsign
	country := e.State.OriginCountry
	squawk := e.State.Squawk
	buf := make([]byte, recordHeaderSize+len(callsign)+len(country)+len(squawk))
	buf[0] = recordVersion
	flags := byte(0)
	if e.State.OnGround {
		flags |= recordFlagOnGround
	}
	buf[1] = flags
	binary.BigEndian.PutUint64(buf[2:], uint64(e.State.ObservedAt.UTC().Unix()))
	binary.BigEndian.PutUint64(buf[10:], uint64(e.LastUpdated.UTC().UnixMilli()))
	putFloat(buf[18:], e.State.Latitude)
	putFloat(buf[26:], e.State.Longitude)
	putFloat(buf[34:], e.State.BaroAltitude)
	putFloat(buf[42:], e.State.GeoAltitude)
	putFloat(buf[50:], e.State.Velocity)
	putFloat(buf[58:], e.State.Heading)
	putFloat(buf[66:], e.State.VerticalRate)
	buf[74] = byte(e.State.Source)
	binary.BigEndian.PutUint16(buf[75:], uint16(len(callsign)))
	binary.BigEndian.PutUint16(buf[77:], uint16(len(country)))
	binary.BigEndian.PutUint16(buf[79:], uint16(len(squawk)))
	offset := recordHeaderSize
	copy(buf[offset:], callsign)
	offset += len(callsign)
	copy(buf[offset:], country)
	offset += len(country)
	copy(buf[offset:], squawk)
	return buf
}

func decodeEntry(key string, raw []byte) (Entry, error) {
	if len(raw) < recordHeaderSize {
		return Entry{}, errInvalidRecord
	}
	if raw[0] != recordVersion {
		return Entry{}, errInvalidRecord
	}
	flags := raw[1]
	observedAt := int64(binary.BigEndian.Uint64(raw[2:]))
	lastUpdated := int64(binary.BigEndian.Uint64(raw[10:]))
	callsignLen := int(binary.BigEndian.Uint16(raw[75:]))
	countryLen := int(binary.BigEndian.Uint16(raw[77:]))
	squawkLen := int(binary.BigEndian.Uint16(raw[79:]))
	if recordHeaderSize+callsignLen+countryLen+squawkLen > len(raw) {
		return Entry{}, errInvalidRecord
	}
	offset := recordHeaderSize
	callsign := string(raw[offset : offset+callsignLen])
	offset += callsignLen
	country := string(raw[offset : offset+countryLen])
	offset += countryLen
	squawk := string(raw[offset : offset+squawkLen])

	return Entry{
		State: flight.State{
			ICAO24:        key,
			Callsign:      callsign,
			OriginCountry: country,
			Latitude:      getFloat(raw[18:]),
			Longitude:     getFloat(raw[26:]),
			BaroAltitude:  getFloat(raw[34:]),
			GeoAltitude:   getFloat(raw[42:]),
			Velocity:      getFloat(raw[50:]),
			Heading:       getFloat(raw[58:]),
			VerticalRate:  getFloat(raw[66:]),
			OnGround:      flags&recordFlagOnGround != 0,
			Squawk:        squawk,
			Source:        flight.PositionSource(raw[74]),
			ObservedAt:    time.Unix(observedAt, 0).UTC(),
		},
		LastUpdated: time.UnixMilli(lastUpdated).UTC(),
	}, nil
}

func putFloat(buf []byte, v float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
}

func getFloat(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func loadCount(db *pebble.DB) (int64, error) {
	count, err := readCountMeta(db)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) && !errors.Is(err, errInvalidCount) {
		return 0, fmt.Errorf("snapshot: read count: %w", err)
	}
	count, err = computeCount(db)
	if err != nil {
		return 0, err
	}
	if err := db.Set([]byte(metaCountKey), encodeCount(count), pebble.Sync); err != nil {
		return 0, fmt.Errorf("snapshot: write count: %w", err)
	}
	return count, nil
}

func readCountMeta(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaCountKey))
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errInvalidCount
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func computeCount(db *pebble.DB) (int64, error) {
	iter, err := db.NewIter(iterOptionsForPrefix(statePrefix))
	if err != nil {
		return 0, fmt.Errorf("snapshot: count iterator: %w", err)
	}
	defer iter.Close()
	count := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("snapshot: count iterate: %w", err)
	}
	return count, nil
}

func stateKeyBytes(icao24 string) []byte {
	return append([]byte(statePrefix), icao24...)
}

func parseStateKey(key []byte) (string, bool) {
	prefix := []byte(statePrefix)
	if len(key) <= len(prefix) || !bytes.HasPrefix(key, prefix) {
		return "", false
	}
	return string(key[len(prefix):]), true
}

func updatedKeyBytes(unixMilli int64, icao24 string) []byte {
	buf := make([]byte, len(updatedPrefix)+8+len(icao24))
	copy(buf, updatedPrefix)
	binary.BigEndian.PutUint64(buf[len(updatedPrefix):], uint64(unixMilli))
	copy(buf[len(updatedPrefix)+8:], icao24)
	return buf
}

func parseUpdatedKey(key []byte) (int64, string, bool) {
	prefix := []byte(updatedPrefix)
	if len(key) <= len(prefix)+8 || !bytes.HasPrefix(key, prefix) {
		return 0, "", false
	}
	ms := int64(binary.BigEndian.Uint64(key[len(prefix):]))
	icao24 := string(key[len(prefix)+8:])
	if icao24 == "" {
		return 0, "", false
	}
	return ms, icao24, true
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := prefixUpperBound(lower)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
