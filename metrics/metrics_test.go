package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.QuotaDecision("aiMessage", "monthly_limit_exceeded")
	m.QuotaDecision("aiMessage", "monthly_limit_exceeded")
	m.UsageIncrement("aiConsultationMessage", 3)
	m.UsageIncrement("aiConsultationMessage", 0)
	m.GatewayCall("create_subscription", errors.New("down"))
	m.Expired(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("aiMessage", "monthly_limit_exceeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.usageIncrements.WithLabelValues("aiConsultationMessage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("create_subscription", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.expiredTotal))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.QuotaDecision("aiMessage", "unlimited")
	m.WebhookEvent("payment.failed", "applied")
	m.PlanChange("manual", "pro")
	m.GatewayCall("cancel_subscription", nil)
	m.Expired(1)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.WebhookEvent("subscription.deleted", "applied")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `telehealth_billing_webhook_events_total{outcome="applied",type="subscription.deleted"} 1`)
}
