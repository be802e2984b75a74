// Package metrics holds the gateway's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulsechat"

type Metrics struct {
	Connections    prometheus.Gauge
	Persisted      *prometheus.CounterVec // by mode: pair, room
	Deliveries     *prometheus.CounterVec // by event name
	StoreFailures  prometheus.Counter
	Rejected       *prometheus.CounterVec // by error code
	SlowConsumers  prometheus.Counter
	RelayPublished prometheus.Counter
	RelayReceived  prometheus.Counter
	PersistSeconds prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store.",
		}, []string{"mode"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames queued to connections.",
		}, []string{"event"}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Store calls that failed with StoreUnavailable.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Client requests answered with an error event.",
		}, []string{"code"}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Connections closed because their outbox was full.",
		}),
		RelayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_published_total",
			Help:      "Events published to other gateway nodes.",
		}),
		RelayReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_received_total",
			Help:      "Events received from other gateway nodes.",
		}),
		PersistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_seconds",
			Help:      "Store append latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.Persisted,
		m.Deliveries,
		m.StoreFailures,
		m.Rejected,
		m.SlowConsumers,
		m.RelayPublished,
		m.RelayReceived,
		m.PersistSeconds,
	)
	return m
}

// Handler serves g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
