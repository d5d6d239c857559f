package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of connected chargers.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "balanz_active_connections",
		Help: "The total number of active charger WebSocket connections.",
	})

	// MessagesReceived counts inbound OCPP messages, labeled by action.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_messages_received_total",
		Help: "Total number of OCPP messages received from chargers.",
	}, []string{"action"})

	// CallsSent counts outbound OCPP calls, labeled by action and outcome.
	CallsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_calls_sent_total",
		Help: "Total number of OCPP calls issued to chargers.",
	}, []string{"action", "outcome"})

	// AllocatorRuns counts allocator cycles, labeled full or urgent.
	AllocatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_allocator_runs_total",
		Help: "Total number of allocator cycles executed.",
	}, []string{"kind"})

	// OfferChanges counts committed offer changes, labeled reduce or grow.
	OfferChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_offer_changes_total",
		Help: "Total number of offer changes committed to chargers.",
	}, []string{"direction"})

	// ActiveSessions tracks the number of live charging transactions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "balanz_active_sessions",
		Help: "The number of charging transactions currently open.",
	})

	// EventsPublished counts events published to the message broker.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_events_published_total",
		Help: "Total number of events published to the message broker.",
	}, []string{"event_type"})
)
