package connection

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments a Controller. A nil *Metrics records nothing.
type Metrics struct {
	state      *prometheus.GaugeVec
	reconnects prometheus.Counter
	failures   prometheus.Counter
	polls      *prometheus.CounterVec
}

// NewMetrics creates the connection metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "guildsync",
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guildsync",
			Subsystem: "connection",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a lost subscription.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guildsync",
			Subsystem: "connection",
			Name:      "subscription_failures_total",
			Help:      "Subscription errors and unexpected completions.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildsync",
			Subsystem: "connection",
			Name:      "polls_total",
			Help:      "Fallback polls executed, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.reconnects, m.failures, m.polls)
	}
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateError} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) subscriptionFailed() {
	if m != nil {
		m.failures.Inc()
	}
}

func (m *Metrics) polled(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(result).Inc()
}
