package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zachbroad/webhook-dispatch/internal/model"
)

var (
	EventsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_triggered_total",
			Help: "Total number of business events passed to the fan-out trigger",
		},
		[]string{"event"},
	)

	DeliveriesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_created_total",
			Help: "Total number of delivery records created by fan-out",
		},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "Total number of HTTP delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_attempt_duration_seconds",
			Help:    "Duration of HTTP delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	QuarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_subscriptions_quarantined_total",
			Help: "Total number of subscriptions automatically disabled after repeated failures",
		},
	)

	SchedulerDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_scheduler_dropped_total",
			Help: "Submissions left for the poller because the worker queue was full",
		},
	)
)

// Attempt outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
)

// OtherEvent labels event names outside the catalog.
const OtherEvent = "other"

// EventLabel keeps the event label bounded to catalog names.
func EventLabel(event string) string {
	if model.InCatalog(event) {
		return event
	}
	return OtherEvent
}

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTriggeredTotal,
		DeliveriesCreatedTotal,
		AttemptsTotal,
		AttemptDuration,
		QuarantinedTotal,
		SchedulerDroppedTotal,
	)
}
