// Package observability bundles the Prometheus metrics for the pipeline and
// provides the HTTP handler to expose them.
package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks pipeline activity. All counters are concurrency-safe and
// may be incremented from any subsystem goroutine.
type Metrics struct {
	gatherer prometheus.Gatherer

	PollCycles     prometheus.Counter
	PollSkips      prometheus.Counter
	PollErrors     prometheus.Counter
	BackoffSeconds prometheus.Gauge

	BatchesPublished prometheus.Counter
	PublishErrors    prometheus.Counter

	BatchesConsumed  prometheus.Counter
	DuplicateBatches prometheus.Counter
	MalformedDrops   *prometheus.CounterVec

	UpsertsApplied prometheus.Counter
	UpsertsStale   prometheus.Counter
	UpsertErrors   prometheus.Counter

	RegionSetsApplied prometheus.Counter
	ActiveRegions     prometheus.Gauge
	SnapshotSize      prometheus.Gauge
	ArchiveDrops      prometheus.Counter
}

// New registers the pipeline metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto{reg: reg}

	return &Metrics{
		gatherer: gatherer,

		PollCycles: factory.counter("poll_cycles_total",
			"Completed poll cycles, successful or not."),
		PollSkips: factory.counter("poll_skips_total",
			"Cycles skipped because no region was active."),
		PollErrors: factory.counter("poll_errors_total",
			"Cycles abandoned on upstream fetch failure."),
		BackoffSeconds: factory.gauge("poll_backoff_seconds",
			"Current poll sleep, above the base interval while backed off."),

		BatchesPublished: factory.counter("adsb_batches_published_total",
			"State vector batches published to the adsb topic."),
		PublishErrors: factory.counter("publish_errors_total",
			"Broker publish failures after internal retries."),

		BatchesConsumed: factory.counter("adsb_batches_consumed_total",
			"Batches received from the adsb topic."),
		DuplicateBatches: factory.counter("adsb_batches_duplicate_total",
			"Redelivered batches suppressed by hash before hitting the store."),
		MalformedDrops: factory.counterVec("malformed_messages_total",
			"Inbound messages dropped as malformed, by topic.", "topic"),

		UpsertsApplied: factory.counter("snapshot_upserts_applied_total",
			"State vectors written to the snapshot store."),
		UpsertsStale: factory.counter("snapshot_upserts_stale_total",
			"State vectors discarded because the stored ObservedAt was newer."),
		UpsertErrors: factory.counter("snapshot_upsert_errors_total",
			"Per-record persistence failures (record skipped, batch continued)."),

		RegionSetsApplied: factory.counter("region_sets_applied_total",
			"Region set replacements applied to the registry."),
		ActiveRegions: factory.gauge("active_regions",
			"Regions currently scoping the poller."),
		SnapshotSize: factory.gauge("snapshot_entries",
			"Aircraft currently held in the snapshot store."),
		ArchiveDrops: factory.counter("archive_drops_total",
			"Archive writes dropped on queue backpressure."),
	}
}

// Handler returns the /metrics HTTP handler for the query service mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type promauto struct {
	reg prometheus.Registerer
}

func (f promauto) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	return register(f.reg, c).(prometheus.Counter)
}

func (f promauto) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	return register(f.reg, c).(*prometheus.CounterVec)
}

func (f promauto) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	return register(f.reg, g).(prometheus.Gauge)
}

// register tolerates re-registration so tests can build multiple Metrics
// against the default registry.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
