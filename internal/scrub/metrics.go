package scrub

import "github.com/prometheus/client_golang/prometheus"

// Metric names all share the pgscrub_ namespace prefix.
var (
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgscrub_sessions_active",
			Help: "Number of scrub sessions currently active, by role.",
		},
		[]string{"role"},
	)

	chunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgscrub_chunks_total",
			Help: "Total number of chunks processed.",
		},
		[]string{"pgid"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgscrub_errors_total",
			Help: "Total number of scrub errors found, by kind.",
		},
		[]string{"pgid", "kind"},
	)

	repairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgscrub_repairs_total",
			Help: "Total number of objects repaired.",
		},
		[]string{"pgid"},
	)

	reservationOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgscrub_reservation_outcome_total",
			Help: "Outcome of replica reservation rounds.",
		},
		[]string{"pgid", "outcome"},
	)

	chunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgscrub_chunk_duration_seconds",
			Help:    "Wall-clock duration of one scrub chunk.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pgid"},
	)

	metricsCollectors = []prometheus.Collector{
		sessionsActive,
		chunksTotal,
		errorsTotal,
		repairsTotal,
		reservationOutcomeTotal,
		chunkDuration,
	}
)

// RegisterMetrics registers every collector this package exposes. Safe to
// call more than once; a repeat registration is treated as a no-op rather
// than a panic, since tests may import the package more than once.
func RegisterMetrics(registry prometheus.Registerer) error {
	for _, c := range metricsCollectors {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
