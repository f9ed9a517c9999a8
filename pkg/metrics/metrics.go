package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Actor runtime metrics.
	ActorsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bvault_actors_running",
			Help: "Number of actors currently started, by type",
		},
		[]string{"type"},
	)

	ActorFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_actor_faults_total",
			Help: "Total number of actors that ended with a Faulted terminal state, by type",
		},
		[]string{"type"},
	)

	// Scheduled-message metrics.
	ScheduledMessagesFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_scheduled_messages_fired_total",
			Help: "Total number of scheduled message firings, by label",
		},
		[]string{"label"},
	)

	// Snapshot lifecycle metrics.
	SnapshotsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_snapshots_created_total",
			Help: "Total number of dataset snapshots created, by dataset",
		},
		[]string{"dataset"},
	)

	SnapshotCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bvault_snapshot_create_duration_seconds",
			Help:    "Time taken to create a dataset snapshot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dataset"},
	)

	// Prune metrics.
	SnapshotsPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_snapshots_pruned_total",
			Help: "Total number of snapshots deleted by a prune cycle, by entity",
		},
		[]string{"entity"},
	)

	PruneFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_prune_failures_total",
			Help: "Total number of individual snapshot delete failures during a prune cycle",
		},
		[]string{"entity"},
	)

	PruneDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bvault_prune_duration_seconds",
			Help:    "Time taken for a prune cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity"},
	)

	// Sync / transfer metrics.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_transfers_total",
			Help: "Total number of completed transfers, by sync and result",
		},
		[]string{"sync", "result"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bvault_transfer_duration_seconds",
			Help:    "Time taken for a transfer to complete",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"sync"},
	)

	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_transfer_bytes_total",
			Help: "Total bytes pumped between sender and receiver, by sync",
		},
		[]string{"sync"},
	)

	// Scrub metrics.
	ScrubsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_scrubs_total",
			Help: "Total number of pool scrubs, by pool and result",
		},
		[]string{"pool", "result"},
	)

	ScrubDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bvault_scrub_duration_seconds",
			Help:    "Time taken for a pool scrub",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"pool"},
	)

	// Observation fabric metrics.
	ObservationEmitFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bvault_observation_emit_failures_total",
			Help: "Total number of failed health-check endpoint pings",
		},
		[]string{"endpoint"},
	)

	ObservationGuardDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bvault_observation_guard_dropped_total",
			Help: "Total number of observations dropped without an explicit Succeeded/Failed",
		},
	)
)

func init() {
	prometheus.MustRegister(ActorsRunning)
	prometheus.MustRegister(ActorFaultsTotal)
	prometheus.MustRegister(ScheduledMessagesFiredTotal)
	prometheus.MustRegister(SnapshotsCreatedTotal)
	prometheus.MustRegister(SnapshotCreateDuration)
	prometheus.MustRegister(SnapshotsPrunedTotal)
	prometheus.MustRegister(PruneFailuresTotal)
	prometheus.MustRegister(PruneDuration)
	prometheus.MustRegister(TransfersTotal)
	prometheus.MustRegister(TransferDuration)
	prometheus.MustRegister(TransferBytesTotal)
	prometheus.MustRegister(ScrubsTotal)
	prometheus.MustRegister(ScrubDuration)
	prometheus.MustRegister(ObservationEmitFailuresTotal)
	prometheus.MustRegister(ObservationGuardDroppedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
