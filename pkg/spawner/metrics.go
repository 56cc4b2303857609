package spawner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_active_sessions",
			Help: "Current number of tracked sessions",
		},
	)

	spawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_spawns_total",
			Help: "Total number of session start attempts by outcome",
		},
		[]string{"outcome"},
	)

	spawnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessiond_spawn_duration_seconds",
			Help:    "Wall-clock time from start request to ready session",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	stopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_stops_total",
			Help: "Total number of session stop attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// Spawn outcomes.
const (
	outcomeOK       = "ok"
	outcomeExisting = "existing"
	outcomeTimeout  = "timeout"
	outcomeError    = "error"
)
