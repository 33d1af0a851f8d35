// Package metrics is the fire-and-forget counter sink for the sync server.
// Nothing in the hub path ever blocks or fails on a metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	ConnectionsInitialized prometheus.Counter
	ConnectionsRejected    *prometheus.CounterVec
	Takeovers              prometheus.Counter
	PushesSent             *prometheus.CounterVec
	PushesDropped          prometheus.Counter
	OnlineUsers            prometheus.Gauge
	RoomsActive            prometheus.Gauge
}

// New registers the collectors on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsInitialized: f.NewCounter(prometheus.CounterOpts{
			Name: "tether_connections_initialized_total",
			Help: "Connections that completed the hub lifecycle connect step.",
		}),
		ConnectionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_connections_rejected_total",
			Help: "Connections rejected before the connect step completed.",
		}, []string{"reason"}),
		Takeovers: f.NewCounter(prometheus.CounterOpts{
			Name: "tether_takeovers_total",
			Help: "Reconnects that superseded a registered connection.",
		}),
		PushesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_pushes_sent_total",
			Help: "Broadcast-contract envelopes enqueued, by type.",
		}, []string{"type"}),
		PushesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tether_pushes_dropped_total",
			Help: "Pushes dropped because a client queue was full or closed.",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "tether_online_users",
			Help: "Online users as reported by the distributed presence store.",
		}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tether_rooms_active",
			Help: "Rooms currently in the Active state on this instance.",
		}),
	}
}
