package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	tasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transfer",
			Subsystem: "tasks",
			Name:      "started_total",
			Help:      "Tasks accepted by the registry.",
		},
		[]string{"direction"},
	)
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transfer",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal state.",
		},
		[]string{"direction", "outcome"},
	)
	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "transfer",
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Tasks currently in the registry.",
		},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transfer",
			Subsystem: "router",
			Name:      "events_dropped_total",
			Help:      "Transport events for handles the router does not know.",
		},
		[]string{"event"},
	)
	tasksExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "transfer",
			Subsystem: "reaper",
			Name:      "expired_total",
			Help:      "Orphaned transfers reported as expired.",
		},
	)
	bytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transfer",
			Subsystem: "tasks",
			Name:      "bytes_total",
			Help:      "Bytes moved by completed tasks.",
		},
		[]string{"direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(tasksStarted, tasksFinished, tasksActive, eventsDropped, tasksExpired, bytesTransferred)
	})
}

func RecordTaskStarted(direction string) {
	RegisterMetrics()
	tasksStarted.WithLabelValues(direction).Inc()
	tasksActive.Inc()
}

func RecordTaskFinished(direction, outcome string, bytes int64) {
	RegisterMetrics()
	tasksFinished.WithLabelValues(direction, outcome).Inc()
	tasksActive.Dec()
	if bytes > 0 {
		bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
	}
}

func RecordEventDropped(event string) {
	RegisterMetrics()
	eventsDropped.WithLabelValues(event).Inc()
}

func RecordExpired() {
	RegisterMetrics()
	tasksExpired.Inc()
}
