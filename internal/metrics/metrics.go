package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Billing instruments orchestrator and sweeper outcomes. A nil *Billing is
// valid and records nothing.
type Billing struct {
	operations     *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	sweeperRuns    *prometheus.CounterVec
	sweeperExpired prometheus.Counter
}

func NewBilling(reg prometheus.Registerer) *Billing {
	m := &Billing{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "operations_total",
			Help:      "Orchestrator operations by outcome.",
		}, []string{"operation", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by result.",
		}, []string{"result"}),
		sweeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sweeper_runs_total",
			Help:      "Expiration sweeps by outcome.",
		}, []string{"outcome"}),
		sweeperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sweeper_expired_total",
			Help:      "Subscriptions expired by the sweeper.",
		}),
	}
	reg.MustRegister(m.operations, m.webhooks, m.sweeperRuns, m.sweeperExpired)
	return m
}

func (m *Billing) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Billing) Webhook(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

func (m *Billing) Sweep(outcome string, expired int) {
	if m == nil {
		return
	}
	m.sweeperRuns.WithLabelValues(outcome).Inc()
	if expired > 0 {
		m.sweeperExpired.Add(float64(expired))
	}
}
