// Package metrics defines the Prometheus collectors for the delivery
// engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mooring_events_queued_total",
			Help: "Total number of events accepted for fan-out.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mooring_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, retrying, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mooring_retries_total",
			Help: "Total number of scheduled retries by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mooring_dead_lettered_total",
			Help: "Total number of deliveries that reached terminal failure.",
		},
		[]string{"reason"},
	)

	SubscribersDisabledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mooring_subscribers_disabled_total",
			Help: "Total number of subscribers auto-disabled by the health tracker.",
		},
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mooring_attempt_duration_seconds",
			Help:    "Wall-clock latency of outbound webhook attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	SweepBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mooring_sweep_batch_size",
			Help:    "Number of due deliveries claimed per sweep.",
			Buckets: []float64{0, 1, 5, 10, 25, 50},
		},
	)
)

// MustRegister registers every collector on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsQueuedTotal,
		DeliveriesTotal,
		RetriesTotal,
		DeadLetteredTotal,
		SubscribersDisabledTotal,
		AttemptDuration,
		SweepBatchSize,
	)
}

// RecordEventQueued counts one accepted fan-out request.
func RecordEventQueued(tenantID string) {
	EventsQueuedTotal.WithLabelValues(tenantID).Inc()
}

// RecordAttempt counts one delivery attempt outcome and observes its
// latency.
func RecordAttempt(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	AttemptDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RecordRetry counts one scheduled retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter counts one terminally failed delivery.
func RecordDeadLetter(reason string) {
	DeadLetteredTotal.WithLabelValues(reason).Inc()
}

// RecordSubscriberDisabled counts one auto-disable.
func RecordSubscriberDisabled() {
	SubscribersDisabledTotal.Inc()
}

// RecordSweep observes the size of one sweep batch.
func RecordSweep(claimed int) {
	SweepBatchSize.Observe(float64(claimed))
}
