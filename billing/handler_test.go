package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-backend/config"
	"telehealth-backend/plans"
)

func setupRouter(p Parser, a Applier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(p, a).RegisterRoutes(r)
	return r
}

func deliver(r *gin.Engine, payload []byte, sig string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

type failingApplier struct{}

func (failingApplier) Apply(context.Context, *Event) (Outcome, error) {
	return "", errors.New("db down")
}

func TestWebhook_MissingSecret(t *testing.T) {
	f := newFixture(t, config.OverridePreserve)
	w, _ := deliver(setupRouter(nil, f.rec), []byte(`{}`), "t=1,v1=00")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhook_BadSignatureTouchesNothing(t *testing.T) {
	f := newFixture(t, config.OverridePreserve)
	r := setupRouter(NewStripeParser(testSecret), f.rec)
	payload := stripePayload("evt_1", "customer.subscription.deleted", t0.Unix(), `{"id":"sub_43","customer":"cus_43","status":"canceled"}`)

	w, _ := deliver(r, payload, signature("whsec_wrong", payload))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.store.updates)
	assert.Equal(t, plans.TierClinic, f.store.snapshot(43).Tier)
}

func TestWebhook_AppliesSignedEvent(t *testing.T) {
	f := newFixture(t, config.OverridePreserve)
	r := setupRouter(NewStripeParser(testSecret), f.rec)
	payload := stripePayload("evt_2", "customer.subscription.deleted", t0.Unix(), `{"id":"sub_43","customer":"cus_43","status":"canceled"}`)

	w, body := deliver(r, payload, signature(testSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(OutcomeApplied), body["outcome"])
	assert.Equal(t, plans.TierFree, f.store.snapshot(43).Tier)

	w, body = deliver(r, payload, signature(testSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(OutcomeDuplicate), body["outcome"])
}

func TestWebhook_UnknownTypeIs200(t *testing.T) {
	f := newFixture(t, config.OverridePreserve)
	r := setupRouter(NewStripeParser(testSecret), f.rec)
	payload := stripePayload("evt_3", "customer.created", t0.Unix(), `{"id":"cus_1"}`)

	w, body := deliver(r, payload, signature(testSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(OutcomeIgnored), body["outcome"])
}

func TestWebhook_HandlerFailureIs500(t *testing.T) {
	r := setupRouter(NewStripeParser(testSecret), failingApplier{})
	payload := stripePayload("evt_4", "invoice.payment_failed", t0.Unix(), `{"id":"in_1","customer":"cus_42"}`)

	w, _ := deliver(r, payload, signature(testSecret, payload))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
