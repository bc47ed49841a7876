package main

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"skywatch/archive"
	"skywatch/config"
	"skywatch/snapshot"
)

// startMaintenance schedules the nightly deep purge: snapshot entries past
// their retention are removed from Pebble, and the history archive trims its
// own retention window. The passive freshness filter already hides stale
// entries from readers; this job only reclaims the space they occupy.
func startMaintenance(cfg *config.Config, store *snapshot.Store, archiveWriter *archive.Writer) (*cron.Cron, error) {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	retention := time.Duration(cfg.Snapshot.RetentionDays) * 24 * time.Hour
	_, err := c.AddFunc(cfg.Maintenance.Schedule, func() {
		runMaintenance(store, archiveWriter, retention)
	})
	if err != nil {
		return nil, fmt.Errorf("maintenance: bad schedule %q: %w", cfg.Maintenance.Schedule, err)
	}

	c.Start()
	log.Printf("Maintenance: scheduled %q (snapshot retention %dd)",
		cfg.Maintenance.Schedule, cfg.Snapshot.RetentionDays)
	return c, nil
}

func runMaintenance(store *snapshot.Store, archiveWriter *archive.Writer, retention time.Duration) {
	start := time.Now()
	cutoff := start.Add(-retention)

	purged, err := store.PurgeOlderThan(cutoff)
	if err != nil {
		log.Printf("Maintenance: snapshot purge failed: %v", err)
	}

	var archived int64
	if archiveWriter != nil {
		archived, err = archiveWriter.CleanupOnce(start)
		if err != nil {
			log.Printf("Maintenance: archive cleanup failed: %v", err)
		}
	}

	log.Printf("Maintenance: done in %s, purged %d snapshot entries, %d archive rows",
		time.Since(start).Round(time.Millisecond), purged, archived)
}
