// Package metrics exposes Prometheus instrumentation for the live feed core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the feed core.
type Metrics struct {
	TicksTotal          prometheus.Counter
	TickBatches         prometheus.Counter
	OrderUpdates        prometheus.Counter
	Reconnects          prometheus.Counter
	ListenerPanics      prometheus.Counter
	StreamDrops         prometheus.Counter
	ActiveSubscriptions prometheus.Gauge

	registry *prometheus.Registry
}

// New registers and returns all feed metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_ticks_total",
			Help: "Total ticks received from the broker feed",
		}),
		TickBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_tick_batches_total",
			Help: "Total tick batches fanned out to listeners",
		}),
		OrderUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_order_updates_total",
			Help: "Total order updates forwarded to listeners",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_reconnects_total",
			Help: "Manager-level reconnect cycles",
		}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_listener_panics_total",
			Help: "Listener callbacks that panicked during fan-out",
		}),
		StreamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_stream_drops_total",
			Help: "Ticks dropped on slow consumer stream channels",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_active_subscriptions",
			Help: "Currently tracked instrument subscriptions",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.TicksTotal,
		m.TickBatches,
		m.OrderUpdates,
		m.Reconnects,
		m.ListenerPanics,
		m.StreamDrops,
		m.ActiveSubscriptions,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
