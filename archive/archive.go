// Package archive persists applied state vectors to SQLite asynchronously,
// keeping a bounded flight history behind the live snapshot. It is designed
// to be removable: the aggregation hot path never blocks on the writer, and
// backpressure results in dropped archive writes, counted and logged.
package archive

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"skywatch/config"
	"skywatch/flight"
	"skywatch/internal/observability"
)

type entry struct {
	state   flight.State
	arrived time.Time
}

// TrackPoint is one archived position for a single aircraft.
type TrackPoint struct {
	ObservedAt time.Time `json:"observedAt"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Velocity   float64   `json:"velocity"`
	Heading    float64   `json:"heading"`
	OnGround   bool      `json:"onGround"`
}

// Writer batches inserts into SQLite from a single goroutine.
type Writer struct {
	cfg     config.ArchiveConfig
	db      *sql.DB
	metrics *observability.Metrics

	queue     chan entry
	stop      chan struct{}
	done      chan struct{}
	dropCount atomic.Uint64
}

// NewWriter initializes the archive database; call Start to begin processing.
func NewWriter(cfg config.ArchiveConfig, metrics *observability.Metrics) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	if err := preflight(cfg.DBPath); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d", cfg.BusyTimeoutMS)
	if _, err := db.Exec(pragmas); err != nil {
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = 10000
	}
	return &Writer{
		cfg:     cfg,
		db:      db,
		metrics: metrics,
		queue:   make(chan entry, qsize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func ensureSchema(db *sql.DB) error {
	const schema = `
create table if not exists states (
    ts            integer not null,
    arrived       integer not null,
    icao24        text    not null,
    callsign      text,
    origin_country text,
    lat           real,
    lon           real,
    baro_alt      real,
    geo_alt       real,
    on_ground     integer,
    velocity      real,
    heading       real,
    vertical_rate real,
    squawk        text,
    source        integer
);
create index if not exists idx_states_icao_ts on states(icao24, ts);
create index if not exists idx_states_arrived on states(arrived);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

// Start launches the insert loop.
func (w *Writer) Start() {
	go w.insertLoop()
}

// Stop flushes what is queued and closes the database.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
	_ = w.db.Close()
}

// Enqueue queues one applied state for archival without blocking; drops on
// a full queue so the aggregator is never held up by disk contention.
func (w *Writer) Enqueue(st flight.State, arrivedAt time.Time) {
	if w == nil {
		return
	}
	select {
	case w.queue <- entry{state: st, arrived: arrivedAt}:
	default:
		drops := w.dropCount.Add(1)
		if w.metrics != nil {
			w.metrics.ArchiveDrops.Inc()
		}
		if drops%1000 == 1 {
			log.Printf("Archive: queue full, dropped write (total %d)", drops)
		}
	}
}

func (w *Writer) insertLoop() {
	defer close(w.done)
	batch := make([]entry, 0, w.cfg.BatchSize)
	interval := time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
				default:
					w.flush(batch)
					return
				}
			}
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

func (w *Writer) flush(batch []entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("Archive: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert into states(ts, arrived, icao24, callsign, origin_country, lat, lon, baro_alt, geo_alt, on_ground, velocity, heading, vertical_rate, squawk, source) values(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("Archive: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	for _, e := range batch {
		s := e.state
		if _, err := stmt.Exec(
			s.ObservedAt.UTC().Unix(),
			e.arrived.UTC().Unix(),
			s.ICAO24,
			s.Callsign,
			s.OriginCountry,
			s.Latitude,
			s.Longitude,
			s.BaroAltitude,
			s.GeoAltitude,
			boolToInt(s.OnGround),
			s.Velocity,
			s.Heading,
			s.VerticalRate,
			s.Squawk,
			int(s.Source),
		); err != nil {
			log.Printf("Archive: insert failed: %v", err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("Archive: commit: %v", err)
	}
}

// Track returns archived positions for one aircraft since the given time,
// newest first, capped at limit.
func (w *Writer) Track(icao24 string, since time.Time, limit int) ([]TrackPoint, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := w.db.Query(`select ts, lat, lon, geo_alt, velocity, heading, on_ground
        from states where icao24 = ? and ts >= ? order by ts desc limit ?`,
		flight.NormalizeICAO24(icao24), since.UTC().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: track query: %w", err)
	}
	defer rows.Close()

	var points []TrackPoint
	for rows.Next() {
		var p TrackPoint
		var ts int64
		var onGround int
		if err := rows.Scan(&ts, &p.Latitude, &p.Longitude, &p.Altitude, &p.Velocity, &p.Heading, &onGround); err != nil {
			return nil, fmt.Errorf("archive: track scan: %w", err)
		}
		p.ObservedAt = time.Unix(ts, 0).UTC()
		p.OnGround = onGround != 0
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: track rows: %w", err)
	}
	return points, nil
}

// CleanupOnce deletes rows older than the configured retention. Driven by
// the maintenance scheduler rather than an internal timer.
func (w *Writer) CleanupOnce(now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -w.cfg.RetentionDays).UTC().Unix()
	res, err := w.db.Exec(`delete from states where ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: cleanup: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// Drops reports writes dropped on backpressure.
func (w *Writer) Drops() uint64 {
	return w.dropCount.Load()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
