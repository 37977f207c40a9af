package session

import "github.com/prometheus/client_golang/prometheus"

var OpsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quire",
	Subsystem: "session",
	Name:      "ops_applied",
}, []string{"kind"})

var OpsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quire",
	Subsystem: "session",
	Name:      "ops_rejected",
}, []string{"reason"})

var ActiveHubs = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "quire",
	Subsystem: "session",
	Name:      "active_hubs",
})

var ActiveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "quire",
	Subsystem: "session",
	Name:      "active_subscribers",
})

var DroppedSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "quire",
	Subsystem: "session",
	Name:      "dropped_subscribers",
})

var AppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "quire",
	Subsystem: "session",
	Name:      "append_duration_seconds",
	Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
})

var Checkpoints = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quire",
	Subsystem: "session",
	Name:      "checkpoints",
}, []string{"result"})

// Collectors returns every session metric for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		OpsApplied,
		OpsRejected,
		ActiveHubs,
		ActiveSubscribers,
		DroppedSubscribers,
		AppendDuration,
		Checkpoints,
	}
}
