// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Name:      "events_observed_total",
		Help:      "Security events observed, by source and kind.",
	}, []string{"source", "kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Name:      "events_dropped_total",
		Help:      "Events shed under backpressure, by source class.",
	}, []string{"source"})

	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Name:      "deployments_total",
		Help:      "Deployment outcomes, by final state.",
	}, []string{"state"})

	ThreatsEscalated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Name:      "threats_escalated_total",
		Help:      "Threat assessments emitted by the correlator, by kind.",
	}, []string{"kind"})

	AutonomySuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Name:      "autonomy_suppressed_total",
		Help:      "Autonomous responses aborted by a safety gate, by reason.",
	}, []string{"reason"})

	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bulwark",
		Name:      "breaker_open",
		Help:      "1 while the autonomy circuit breaker is tripped.",
	})

	FeedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Name:      "feed_fetches_total",
		Help:      "Threat feed polls, by feed and result.",
	}, []string{"feed", "result"})
)
