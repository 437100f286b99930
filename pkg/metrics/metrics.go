// Package metrics exposes the Prometheus instrumentation for sessions,
// LLM traffic, relay messages and interventions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts session lifecycle transitions by mode and the
	// status entered.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmd_sessions_total",
		Help: "Session lifecycle transitions by mode and status.",
	}, []string{"mode", "status"})

	// LLMRequestsTotal counts provider calls by provider name and call
	// kind (stream or complete).
	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmd_llm_requests_total",
		Help: "LLM provider calls by provider and kind.",
	}, []string{"provider", "kind"})

	// LLMRequestSeconds observes provider call latency.
	LLMRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swarmd_llm_request_seconds",
		Help:    "LLM provider call latency in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider", "kind"})

	// RelayMessagesTotal counts relay messages by kind.
	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmd_relay_messages_total",
		Help: "Relay messages broadcast by kind.",
	}, []string{"kind"})

	// InterventionsTotal counts human interventions by kind and scope.
	InterventionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmd_interventions_total",
		Help: "Human interventions by kind and scope.",
	}, []string{"kind", "scope"})

	// Subscribers gauges currently connected event subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmd_subscribers",
		Help: "Currently connected event stream subscribers.",
	})
)
