package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	quotaDecisions  *prometheus.CounterVec
	usageIncrements *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	planChanges     *prometheus.CounterVec
	gatewayCalls    *prometheus.CounterVec
	expiredTotal    prometheus.Counter
}

// New registers the collectors on reg, typically a fresh prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Name:      "quota_decisions_total",
			Help:      "Quota gate decisions by action and reason.",
		}, []string{"action", "reason"}),
		usageIncrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Name:      "usage_increments_total",
			Help:      "Metered usage recorded by kind.",
		}, []string{"kind"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Name:      "billing_webhook_events_total",
			Help:      "Payment gateway events by type and outcome.",
		}, []string{"type", "outcome"}),
		planChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Name:      "plan_changes_total",
			Help:      "Tier transitions by change type and target tier.",
		}, []string{"type", "to_tier"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Name:      "gateway_calls_total",
			Help:      "Outbound payment gateway calls by operation and result.",
		}, []string{"op", "result"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telehealth",
			Name:      "subscriptions_expired_total",
			Help:      "Cancelled subscriptions downgraded by the expiry sweep.",
		}),
	}
	reg.MustRegister(m.quotaDecisions, m.usageIncrements, m.webhookEvents, m.planChanges, m.gatewayCalls, m.expiredTotal)
	return m
}

func (m *Metrics) QuotaDecision(action, reason string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) UsageIncrement(kind string, amount int) {
	if m == nil || amount <= 0 {
		return
	}
	m.usageIncrements.WithLabelValues(kind).Add(float64(amount))
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) PlanChange(changeType, toTier string) {
	if m == nil {
		return
	}
	m.planChanges.WithLabelValues(changeType, toTier).Inc()
}

func (m *Metrics) GatewayCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredTotal.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
