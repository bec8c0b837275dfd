package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the control-plane Prometheus collectors. A nil *Metrics is
// valid and records nothing, so tests can pass nil.
type Metrics struct {
	brokerAuthDecisions  *prometheus.CounterVec
	provisioningOutcomes *prometheus.CounterVec
	jobDispatches        *prometheus.CounterVec
	eventsDropped        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		brokerAuthDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgectl_broker_auth_decisions_total",
			Help: "Broker authentication and authorization decisions.",
		}, []string{"check", "decision"}),
		provisioningOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgectl_provisioning_outcomes_total",
			Help: "Device provisioning attempts by phase and outcome.",
		}, []string{"phase", "outcome"}),
		jobDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgectl_job_dispatches_total",
			Help: "Job dispatch notifications by outcome.",
		}, []string{"outcome"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgectl_events_dropped_total",
			Help: "Internal events dropped because a subscriber queue was full.",
		}),
	}
}

func (m *Metrics) BrokerAuthDecision(check string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.brokerAuthDecisions.WithLabelValues(check, decision).Inc()
}

func (m *Metrics) ProvisioningOutcome(phase, outcome string) {
	if m == nil {
		return
	}
	m.provisioningOutcomes.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) JobDispatch(outcome string) {
	if m == nil {
		return
	}
	m.jobDispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
