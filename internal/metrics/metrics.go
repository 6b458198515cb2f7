// Package metrics exposes the scheduler's Prometheus collectors. Collectors
// are registered on a dedicated registry so tests can build isolated sets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived   *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	EventsDeduped    prometheus.Counter
	DebounceSettled  prometheus.Counter
	Dispatches       prometheus.Counter
	StateTransitions *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ActiveSlots      *prometheus.GaugeVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_events_received_total",
			Help: "Normalized inbound events by kind.",
		}, []string{"kind"}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_events_rejected_total",
			Help: "Inbound deliveries rejected at the boundary by reason.",
		}, []string{"reason"}),
		EventsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_events_deduplicated_total",
			Help: "Deliveries dropped as duplicates within the retention window.",
		}),
		DebounceSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_debounce_settled_total",
			Help: "Debounce windows that fired and settled against the queue.",
		}),
		Dispatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_dispatches_total",
			Help: "Tickets handed to the executor gateway.",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_ticket_transitions_total",
			Help: "Ticket state transitions by target state.",
		}, []string{"to"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessiond_queue_depth",
			Help: "Tickets waiting in the priority queue.",
		}),
		ActiveSlots: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sessiond_active_slots",
			Help: "Occupied concurrency slots per repository.",
		}, []string{"repo"}),
	}
}
