package subscriptions

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-backend/auth"
)

func setupRouter(f *fixture, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(f.svc)
	h.RegisterPublicRoutes(r)
	authed := r.Group("/")
	authed.Use(func(c *gin.Context) {
		auth.WithPrincipal(c, auth.Principal{UserID: userID, Role: "patient"})
		c.Next()
	})
	h.RegisterRoutes(authed)
	return r
}

func doJSON(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_Plans(t *testing.T) {
	r := setupRouter(newFixture(t), 42)
	w, body := doJSON(r, http.MethodGet, "/subscription/plans", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["plans"], 3)
}

func TestHandler_CurrentDefaultsToFree(t *testing.T) {
	r := setupRouter(newFixture(t), 42)
	w, body := doJSON(r, http.MethodGet, "/subscription/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	sub := body["subscription"].(map[string]any)
	assert.Equal(t, "free", sub["tier"])
	assert.Equal(t, float64(3), sub["limits"].(map[string]any)["aiMessages"])
}

func TestHandler_UpdateErrors(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f, 42)

	w, body := doJSON(r, http.MethodPost, "/subscription/update", `{"tier":"gold"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid subscription tier", body["error"])

	w, _ = doJSON(r, http.MethodPost, "/subscription/update", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.gateway.err = errGatewayDown
	w, body = doJSON(r, http.MethodPost, "/subscription/update", `{"tier":"pro"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Payment processing failed", body["error"])

	w, _ = doJSON(setupRouter(f, 999), http.MethodPost, "/subscription/update", `{"tier":"pro"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_UpdatePending(t *testing.T) {
	f := newFixture(t)
	f.gateway.result = &GatewaySubscription{CustomerRef: "cus_1", SubscriptionRef: "sub_1", Status: "incomplete", ClientSecret: "pi_secret"}
	r := setupRouter(f, 42)

	w, body := doJSON(r, http.MethodPost, "/subscription/update", `{"tier":"pro","paymentMethodId":"pm_1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["requiresPayment"])
	assert.Equal(t, "pi_secret", body["clientSecret"])
	assert.Equal(t, "free", body["tier"])
}

func TestHandler_CancelFree(t *testing.T) {
	r := setupRouter(newFixture(t), 42)
	w, body := doJSON(r, http.MethodPost, "/subscription/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Cannot cancel free subscription", body["error"])
}

func TestHandler_BillingHistory(t *testing.T) {
	r := setupRouter(newFixture(t), 42)
	w, body := doJSON(r, http.MethodGet, "/subscription/billing-history?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, body["billingHistory"])
}
