package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_mirror_events_total",
			Help: "Total number of watch events applied to the mirror cache",
		},
		[]string{"kind", "type"},
	)

	resyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_mirror_resyncs_total",
			Help: "Total number of successful full relists after a watch failure",
		},
		[]string{"kind"},
	)

	watchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_mirror_watch_failures_total",
			Help: "Total number of watch stream failures",
		},
		[]string{"kind"},
	)

	exhaustions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_mirror_exhaustions_total",
			Help: "Total number of mirrors halted after exceeding the backoff cap",
		},
		[]string{"kind"},
	)

	cachedObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessiond_mirror_objects",
			Help: "Current number of objects in the mirror cache",
		},
		[]string{"kind"},
	)
)
