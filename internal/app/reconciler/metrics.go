package reconciler

import (
	"github.com/prometheus/client_golang/prometheus" // Prometheus metrics.
)

// Metrics are the Prometheus collectors updated while reconciling.
type Metrics struct {
	// Records handled, by outcome.
	Records *prometheus.CounterVec

	// Non-fatal problems, by kind.
	Warnings *prometheus.CounterVec

	// Chef server calls, by op and result. Handed to the registry.
	RegistryCalls *prometheus.CounterVec

	// DynamoDB calls, by op and result. Handed to the store.
	StoreCalls *prometheus.CounterVec
}

// NewMetrics returns unregistered Metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Lifecycle notifications handled, by outcome.",
		}, []string{"outcome"}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Non-fatal problems met while handling notifications, by kind.",
		}, []string{"kind"}),
		RegistryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_calls_total",
			Help:      "Chef server operations, by op and result.",
		}, []string{"op", "result"}),
		StoreCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_calls_total",
			Help:      "DynamoDB operations, by op and result.",
		}, []string{"op", "result"}),
	}
	// Export zeros for every outcome.
	for _, o := range Outcomes {
		m.Records.WithLabelValues(string(o))
	}
	return m
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Records, m.Warnings, m.RegistryCalls, m.StoreCalls}
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(string(res.Outcome)).Inc()
	for _, w := range res.Warnings {
		m.Warnings.WithLabelValues(KindOf(w).String()).Inc()
	}
}
