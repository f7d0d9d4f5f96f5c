// Package metrics exports Prometheus counters, gauges, and histograms
// for the spool, delivery engine, connection cache, and event bus.
// It replaces expvarom, which the teacher's internal/queue and
// internal/courier reference but which isn't present as buildable
// source in this retrieval (see DESIGN.md).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayd_queue_depth",
		Help: "Current number of entries in each spool sub-queue.",
	}, []string{"queue"})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayd_delivery_attempts_total",
		Help: "Total delivery attempts by outcome.",
	}, []string{"outcome"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayd_delivery_duration_seconds",
		Help:    "Wall time of one delivery attempt, dial through final reply.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	CacheInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayd_cache_connections_in_use",
		Help: "Connections currently checked out of the connection cache.",
	})

	CacheIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayd_cache_connections_idle",
		Help: "Idle connections currently held by the connection cache.",
	})

	EventBusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_eventbus_dropped_total",
		Help: "Events dropped because a subscriber's buffer was full.",
	})
)

// Outcome labels for DeliveryAttempts.
const (
	OutcomeDelivered = "delivered"
	OutcomeFrozen    = "frozen"
	OutcomePartial   = "partial"
	OutcomeTemporary = "temporary"
)

// RecordDelivery records one finished delivery attempt.
func RecordDelivery(outcome string, durationSeconds float64) {
	DeliveryAttempts.WithLabelValues(outcome).Inc()
	DeliveryDuration.Observe(durationSeconds)
}

// SetQueueDepth sets the current depth of one sub-queue.
func SetQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Handler returns the http.Handler to mount on the monitoring address,
// alongside golang.org/x/net/trace's /debug/requests (see internal/trace),
// the same way the teacher's monitoring.go mounts /metrics next to
// /debug/traces.
func Handler() http.Handler {
	return promhttp.Handler()
}
