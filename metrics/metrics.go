// Package metrics exposes the controller's Prometheus collectors, in
// the module-level promauto.New... idiom used by the retrieval pack's
// Tempo ingester (modules/ingester/ingester.go's metricFlushQueueLength).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowctl"

var (
	// ReconnectsTotal counts Rehydrating Client reconnect attempts,
	// labeled by backend kind ("storage" or "compute") and outcome
	// ("ok" or "error").
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Total Rehydrating Client reconnect attempts.",
	}, []string{"backend", "outcome"})

	// CommandsSentTotal counts commands forwarded to a backend,
	// labeled by backend kind.
	CommandsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_sent_total",
		Help:      "Total commands sent to backend processes.",
	}, []string{"backend"})

	// ReplicasAttached reports the current number of replicas attached
	// across all compute instances.
	ReplicasAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "replicas_attached",
		Help:      "Current number of compute replicas attached to the controller.",
	})

	// PeeksInFlight reports the current number of outstanding peeks
	// across all compute instances.
	PeeksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peeks_in_flight",
		Help:      "Current number of outstanding peeks awaiting a first answer.",
	})

	// FrontierAdvancesTotal counts instance-level frontier advances
	// published after a frontier.Meet across replicas.
	FrontierAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frontier_advances_total",
		Help:      "Total instance-level write frontier advances published upward.",
	}, []string{"instance"})

	// ControllerResponseLatency measures time from Ready() returning
	// to Process() being called for the same response, surfacing
	// coordinator-side backpressure.
	ControllerResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "controller_response_latency_seconds",
		Help:      "Time between Ready() observing a response and Process() consuming it.",
		Buckets:   prometheus.DefBuckets,
	})
)
