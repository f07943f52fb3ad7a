package auth

import "github.com/prometheus/client_golang/prometheus"

const MetricAuthzDenied = "authz_denied_total"

// GateMetrics holds authorization counters. Not registered until Register is called.
type GateMetrics struct {
	denied *prometheus.CounterVec
}

func NewGateMetrics() *GateMetrics {
	return &GateMetrics{
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAuthzDenied,
			Help: "Authorization checks that were denied, by capability.",
		}, []string{"capability"}),
	}
}

func (m *GateMetrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.denied)
}
