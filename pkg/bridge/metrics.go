// Copyright 2024-2026 Aiku AI

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A single instance is
// created per engine and registered on the default registry by cmd.
type Metrics struct {
	RelayedTotal      *prometheus.CounterVec
	RelayFailedTotal  *prometheus.CounterVec
	DroppedTotal      prometheus.Counter
	RejectedTotal     prometheus.Counter
	RateLimitedTotal  prometheus.Counter
	UnauthorizedTotal prometheus.Counter
	TopicsCreated     prometheus.Counter
	TopicsRecreated   prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// NewMetrics creates unregistered collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		RelayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadbridge_relayed_total",
			Help: "Messages relayed to the topic platform, by content variant.",
		}, []string{"variant"}),
		RelayFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadbridge_relay_failed_total",
			Help: "Relay attempts that failed, by content variant.",
		}, []string{"variant"}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadbridge_queue_dropped_total",
			Help: "Tasks evicted by the drop-oldest queue policy.",
		}),
		RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadbridge_queue_rejected_total",
			Help: "Tasks rejected by the bounded queue.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadbridge_rate_limited_total",
			Help: "Actions rejected by the fixed-window rate limiter.",
		}),
		UnauthorizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadbridge_unauthorized_total",
			Help: "Events dropped by the access control gate.",
		}),
		TopicsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadbridge_topics_created_total",
			Help: "Topics created for external threads.",
		}),
		TopicsRecreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadbridge_topics_recreated_total",
			Help: "Topics recreated after a failed existence probe.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threadbridge_queue_depth",
			Help: "Tasks currently waiting in the ordered processing queue.",
		}),
	}
}

// Register registers all collectors on reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.RelayedTotal,
		m.RelayFailedTotal,
		m.DroppedTotal,
		m.RejectedTotal,
		m.RateLimitedTotal,
		m.UnauthorizedTotal,
		m.TopicsCreated,
		m.TopicsRecreated,
		m.QueueDepth,
	)
}
