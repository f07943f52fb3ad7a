package reset

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricTransitions = "reset_transitions_total"
	MetricRequests    = "reset_requests_total"
)

// Metrics holds workflow counters.
type Metrics struct {
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTransitions,
			Help: "Committed reset request status transitions.",
		}, []string{"from", "to"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRequests,
			Help: "Reset requests received, by outcome (created, duplicate, unknown).",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.transitions, m.requests} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) transition(from, to Status) {
	if m != nil {
		m.transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (m *Metrics) request(outcome string) {
	if m != nil {
		m.requests.WithLabelValues(outcome).Inc()
	}
}

// Transitions exposes the counter for one edge.
func (m *Metrics) Transitions(from, to Status) prometheus.Counter {
	return m.transitions.WithLabelValues(string(from), string(to))
}
