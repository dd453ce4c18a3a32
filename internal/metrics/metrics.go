// Package metrics holds the Prometheus collectors the server exports on
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	RegistryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bdui_registry_entries",
			Help: "Number of live subscription keys",
		},
	)

	RegistrySubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bdui_registry_subscribers",
			Help: "Number of attached subscribers across all keys",
		},
	)

	RecomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bdui_recompute_duration_seconds",
			Help:    "Time to query the backend and diff one subscription key",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	RecomputeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bdui_recompute_failures_total",
			Help: "Backend failures while recomputing a subscription key",
		},
		[]string{"type"},
	)

	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bdui_events_emitted_total",
			Help: "Push events delivered to subscribers by event type",
		},
		[]string{"event"},
	)

	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bdui_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	SlowConsumerDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bdui_slow_consumer_disconnects_total",
			Help: "Connections closed because their outbound queue was full",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bdui_requests_total",
			Help: "Requests handled by message type and outcome",
		},
		[]string{"type", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bdui_request_duration_seconds",
			Help:    "Request handling duration by message type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Watcher metrics
	WatchTriggers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bdui_watch_triggers_total",
			Help: "Debounced filesystem changes that triggered a full recompute",
		},
	)
)

func init() {
	prometheus.MustRegister(RegistryEntries)
	prometheus.MustRegister(RegistrySubscribers)
	prometheus.MustRegister(RecomputeDuration)
	prometheus.MustRegister(RecomputeFailures)
	prometheus.MustRegister(EventsEmitted)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(SlowConsumerDisconnects)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(WatchTriggers)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
