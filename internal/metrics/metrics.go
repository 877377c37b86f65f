package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dispatched_total",
			Help: "Messages handed to a provider, by channel",
		},
		[]string{"channel"},
	)

	DispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_failures_total",
			Help: "Provider send failures, by class (retryable/terminal)",
		},
		[]string{"class"},
	)

	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_retries_total",
			Help: "Retries scheduled after transient provider failures",
		},
	)

	TransitionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_transitions_applied_total",
			Help: "Accepted message status transitions, by target status",
		},
		[]string{"status"},
	)

	CallbacksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provider_callbacks_received_total",
			Help: "Delivery-status callbacks ingested from the provider",
		},
	)

	CallbacksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provider_callbacks_dropped_total",
			Help: "Callbacks dropped as out-of-order, duplicate, or unknown",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_queue_depth",
			Help: "Jobs waiting in the delivery queue, by priority tier",
		},
		[]string{"tier"},
	)
)

func Init() {
	prometheus.MustRegister(
		MessagesDispatched,
		DispatchFailures,
		DispatchRetries,
		TransitionsApplied,
		CallbacksReceived,
		CallbacksDropped,
		QueueDepth,
	)
}
