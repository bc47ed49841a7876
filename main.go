// Program skywatch wires together the full live-tracking pipeline: the
// upstream poller, the MQTT broker client, the region ingestor, the
// aggregator with its durable snapshot store, the optional history archive,
// and the query service HTTP surface. Everything runs inside one process,
// but the subsystems only talk to each other through the broker topics and
// the store, so any of them could be split out later without code changes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skywatch/aggregate"
	"skywatch/api"
	"skywatch/archive"
	"skywatch/broker"
	"skywatch/config"
	"skywatch/ingest"
	"skywatch/internal/observability"
	"skywatch/poller"
	"skywatch/region"
	"skywatch/snapshot"
	"skywatch/stats"
)

const (
	defaultConfigPath = "config.yaml"
	envConfigPath     = "SKYWATCH_CONFIG"

	statsSummaryInterval = 5 * time.Minute
	shutdownGrace        = 10 * time.Second
)

func main() {
	configPath := flag.String("config", resolveConfigPath(), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Main: %v", err)
	}

	closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		log.Fatalf("Main: %v", err)
	}
	defer closeLog()

	cfg.Print()

	metrics := observability.New(nil)
	tracker := stats.NewTracker()
	registry := region.NewRegistry()

	store, err := snapshot.Open(cfg.Snapshot.Path, snapshot.Options{})
	if err != nil {
		log.Fatalf("Main: open snapshot store: %v", err)
	}
	defer store.Close()
	log.Printf("Main: snapshot store open, %d entries", store.Count())

	var archiveWriter *archive.Writer
	if cfg.Archive.Enabled {
		archiveWriter, err = archive.NewWriter(cfg.Archive, metrics)
		if err != nil {
			log.Fatalf("Main: open archive: %v", err)
		}
		archiveWriter.Start()
	}

	client := broker.NewClient(cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.ClientID)

	aggregator := aggregate.New(store, archiverOrNil(archiveWriter), metrics, tracker)
	ingestor := ingest.New(registry, metrics, tracker)

	// Subscriptions are registered before Connect so the broker client can
	// apply them on the initial session and again on every reconnect.
	client.Subscribe(cfg.Broker.AdsbTopic, aggregator.HandleMessage)
	client.Subscribe(cfg.Broker.RegionsTopic, ingestor.HandleMessage)

	if err := client.Connect(); err != nil {
		log.Fatalf("Main: broker connect: %v", err)
	}

	aggregator.Start()

	upstream := poller.NewUpstreamClient(
		cfg.Upstream.BaseURL, cfg.Upstream.Username, cfg.Upstream.Password,
		cfg.UpstreamTimeout())
	poll := poller.New(registry, upstream, client, cfg.Broker.AdsbTopic,
		cfg.PollInterval(), cfg.BackoffCap(), metrics, tracker)

	pollCtx, stopPoller := context.WithCancel(context.Background())
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		poll.Run(pollCtx)
	}()

	maint, err := startMaintenance(cfg, store, archiveWriter)
	if err != nil {
		log.Fatalf("Main: %v", err)
	}

	server := api.NewServer(api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		RegionsTopic: cfg.Broker.RegionsTopic,
		Window:       cfg.FreshnessWindow(),
		Version:      cfg.Server.Version,
	}, store, client, trackerOrNil(archiveWriter), registry, metrics)
	server.Start()

	summaryStop := make(chan struct{})
	go summaryLoop(tracker, store, registry, summaryStop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Main: received %s, shutting down", sig)

	// Shutdown order: stop producing first, then stop serving, then drain the
	// consumers, and close the stores last so nothing writes after close.
	stopPoller()
	<-pollDone
	close(summaryStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if maint != nil {
		maintCtx := maint.Stop()
		<-maintCtx.Done()
	}

	client.Close()
	aggregator.Stop()
	if archiveWriter != nil {
		archiveWriter.Stop()
	}

	log.Printf("Main: final state | %s", tracker.Summary(store.Count(), registry.Len()))
}

// archiverOrNil converts a possibly-nil concrete writer into the interface
// the aggregator takes. A plain assignment of a nil *Writer would produce a
// non-nil interface value and defeat the aggregator's nil check.
func archiverOrNil(w *archive.Writer) aggregate.Archiver {
	if w == nil {
		return nil
	}
	return w
}

func trackerOrNil(w *archive.Writer) api.Tracker {
	if w == nil {
		return nil
	}
	return w
}

func resolveConfigPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// summaryLoop logs a periodic one-line activity summary so an operator
// tailing the log can see pipeline throughput without scraping /metrics.
func summaryLoop(tracker *stats.Tracker, store *snapshot.Store, registry *region.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(statsSummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			log.Printf("Stats: %s", tracker.Summary(store.Count(), registry.Len()))
		}
	}
}
