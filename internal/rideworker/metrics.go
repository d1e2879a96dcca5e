package rideworker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rideworker_cache_hits_total",
		Help: "Requests served from a durable store, by strategy.",
	}, []string{"strategy"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rideworker_cache_misses_total",
		Help: "Requests that went to the network, by strategy.",
	}, []string{"strategy"})

	networkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rideworker_network_errors_total",
		Help: "Origin fetches that failed.",
	})

	storeWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rideworker_store_write_failures_total",
		Help: "Cache writes that were swallowed.",
	})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rideworker_sync_queue_depth",
		Help: "Pending offline mutations, by kind.",
	}, []string{"kind"})

	syncAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rideworker_sync_attempts_total",
		Help: "Queued task submission attempts, by kind and outcome.",
	}, []string{"kind", "outcome"})

	notificationsShown = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rideworker_notifications_shown_total",
		Help: "Push notifications displayed.",
	})
)

var registerMetricsOnce sync.Once

// RegisterMetrics registers all collectors on the default registry. Safe to
// call from every Service constructor.
func RegisterMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			cacheHits,
			cacheMisses,
			networkErrors,
			storeWriteFailures,
			queueDepth,
			syncAttempts,
			notificationsShown,
		)
	})
}
