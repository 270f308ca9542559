package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingSyncMetrics tracks the circuit breaker guarding provider calls.
type BillingSyncMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	reports     *prometheus.CounterVec
	rejected    prometheus.Counter
}

var (
	billingSyncMetricsOnce sync.Once
	billingSyncMetrics     *BillingSyncMetrics
)

// BillingSync returns the singleton billing sync metrics.
func BillingSync() *BillingSyncMetrics {
	return BillingSyncWithConfig(Config{})
}

// BillingSyncWithConfig returns the singleton billing sync metrics using config labels.
func BillingSyncWithConfig(cfg Config) *BillingSyncMetrics {
	billingSyncMetricsOnce.Do(func() {
		billingSyncMetrics = newBillingSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingSyncMetrics
}

// ResetBillingSyncMetricsForTest resets the billing sync singleton for tests.
func ResetBillingSyncMetricsForTest() {
	billingSyncMetricsOnce = sync.Once{}
	billingSyncMetrics = nil
}

// NewBillingSyncMetricsForTest builds billing sync metrics against a private registry.
func NewBillingSyncMetricsForTest(registerer prometheus.Registerer) *BillingSyncMetrics {
	return newBillingSyncMetrics(registerer, Config{ServiceName: "agentmeter", Environment: "test"})
}

func newBillingSyncMetrics(registerer prometheus.Registerer, cfg Config) *BillingSyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "agentmeter_billing_sync_breaker_state",
		Help:        "Circuit breaker state, 1 for the active state.",
		ConstLabels: constLabels,
	}, []string{"state"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_billing_sync_breaker_transitions_total",
		Help:        "Circuit breaker state transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	reports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agentmeter_billing_sync_reports_total",
		Help:        "Provider usage reports by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "agentmeter_billing_sync_rejected_total",
		Help:        "Calls rejected without reaching the provider.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(state, transitions, reports, rejected)

	return &BillingSyncMetrics{
		state:       state,
		transitions: transitions,
		reports:     reports,
		rejected:    rejected,
	}
}

// SetState marks the given state as active.
func (m *BillingSyncMetrics) SetState(active string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == active {
			value = 1
		}
		m.state.WithLabelValues(s).Set(value)
	}
}

// IncTransition counts a breaker transition.
func (m *BillingSyncMetrics) IncTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// IncReport counts a provider call by outcome.
func (m *BillingSyncMetrics) IncReport(outcome string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(outcome).Inc()
}

// IncRejected counts a call short-circuited by the breaker.
func (m *BillingSyncMetrics) IncRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
