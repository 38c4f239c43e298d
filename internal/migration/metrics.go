package migration

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts migration outcomes. A nil *Metrics records nothing.
type Metrics struct {
	applied  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewMetrics creates the migration counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moult",
			Name:      "migrations_applied_total",
			Help:      "Model version steps applied to records, by type and target version.",
		}, []string{"type", "version"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moult",
			Name:      "migration_failures_total",
			Help:      "Records whose migration failed, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.applied, m.failures)
	}
	return m
}

func (m *Metrics) stepApplied(typeName string, version int) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(typeName, strconv.Itoa(version)).Inc()
}

func (m *Metrics) failed(typeName string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(typeName).Inc()
}
