package audit

import "github.com/prometheus/client_golang/prometheus"

const MetricEntries = "audit_entries_total"

// Metrics holds audit counters.
type Metrics struct {
	entries *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEntries,
			Help: "Audit entries appended, by action.",
		}, []string{"action"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.entries)
}
