// Package metrics holds the Prometheus collectors for the collaboration
// server. Collectors register on the default registry and are served by
// promhttp on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_sessions_active",
			Help: "Number of connected sessions",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_rooms_active",
			Help: "Number of rooms with at least one attached session",
		},
	)

	// AttachTotal counts document requests by outcome (ok, invalid, unavailable, rejected).
	AttachTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_attach_total",
			Help: "Total number of document attach attempts",
		},
		[]string{"result"},
	)

	DocumentsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_documents_created_total",
			Help: "Total number of documents created with default content",
		},
	)

	DeltasRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_deltas_relayed_total",
			Help: "Total number of deltas enqueued to sibling sessions",
		},
	)

	DeltaDeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_delta_delivery_failures_total",
			Help: "Total number of deltas dropped because a sibling could not accept them",
		},
	)

	// DocumentSavesTotal counts save ticks that wrote to the store, by result.
	DocumentSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_document_saves_total",
			Help: "Total number of snapshot saves",
		},
		[]string{"result"},
	)

	DocumentSaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsync_document_save_duration_seconds",
			Help:    "Duration of snapshot saves in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsync_storage_circuit_breaker_state",
			Help: "Storage circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_storage_circuit_breaker_transitions_total",
			Help: "Total number of storage circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordSave observes one save attempt.
func RecordSave(err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	DocumentSavesTotal.WithLabelValues(result).Inc()
	DocumentSaveDuration.Observe(duration.Seconds())
}
