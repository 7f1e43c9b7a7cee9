package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/christopherjohns/guildsync/internal/ws"
)

type metrics struct {
	messagesSent prometheus.Counter
	reactions    *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	connEvents   *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry, activeConns func() int) *metrics {
	m := &metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guildsync",
			Subsystem: "server",
			Name:      "messages_sent_total",
			Help:      "Messages accepted by SendMessage.",
		}),
		reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildsync",
			Subsystem: "server",
			Name:      "reaction_mutations_total",
			Help:      "Reaction mutations, by operation.",
		}, []string{"op"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildsync",
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429, by limiter.",
		}, []string{"scope"}),
		connEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildsync",
			Subsystem: "server",
			Name:      "ws_connection_events_total",
			Help:      "Rejected connections, dropped frames and idle reaps, by event.",
		}, []string{"event"}),
	}
	wsActive := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "guildsync",
		Subsystem: "server",
		Name:      "ws_connections",
		Help:      "Open subscription connections.",
	}, func() float64 { return float64(activeConns()) })

	reg.MustRegister(
		m.messagesSent, m.reactions, m.rateLimited, m.connEvents, wsActive,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) connEvent(ev ws.ConnEvent) {
	m.connEvents.WithLabelValues(string(ev)).Inc()
}
