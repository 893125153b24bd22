// Package metrics exposes prometheus instrumentation for the hub.
// Collectors are registered once on the default registry and shared by the
// bus, router, breaker, supervisor, and draft gate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts hub envelopes by message type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "bus",
		Name:      "messages_sent_total",
		Help:      "Hub messages sent, by message type.",
	}, []string{"type"})

	// MessagesReceived counts consumed hub envelopes by message type.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "bus",
		Name:      "messages_received_total",
		Help:      "Hub messages consumed, by message type.",
	}, []string{"type"})

	// Transitions counts contract state transitions by target status.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "contract",
		Name:      "transitions_total",
		Help:      "Contract state transitions, by target status.",
	}, []string{"to"})

	// RouterFallbacks counts calls that fell past the preferred model.
	RouterFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "router",
		Name:      "fallbacks_total",
		Help:      "Model calls served by a non-preferred model.",
	})

	// RouterCalls counts routed model calls by outcome.
	RouterCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "router",
		Name:      "calls_total",
		Help:      "Routed model calls, by outcome (success, failure, budget_refused).",
	}, []string{"outcome"})

	// BreakerTrips counts component breaker trips by component.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Component circuit breaker trips, by component.",
	}, []string{"component"})

	// GateVerdicts counts draft gate decisions by verdict.
	GateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "gate",
		Name:      "verdicts_total",
		Help:      "Draft gate decisions, by verdict (accept, reject, escalate).",
	}, []string{"verdict"})

	// PipelinesActive tracks currently running pipelines.
	PipelinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenthub",
		Subsystem: "supervisor",
		Name:      "pipelines_active",
		Help:      "Pipelines currently in flight.",
	})

	// DegradedMode is 1 while the hub is in Low-Power Mode.
	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agenthub",
		Subsystem: "degrade",
		Name:      "low_power_mode",
		Help:      "1 while local inference is unhealthy and requests are rewritten to cloud.",
	})
)
