package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-backend/auth"
	"telehealth-backend/config"
)

const testJWTSecret = "app-test-secret"

func testConfig() *config.Config {
	return &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"https://app.example.com"},
		JWTSecret:      testJWTSecret,
		EventDedupTTL:  time.Hour,
		GatewayTimeout: time.Second,
		OverridePolicy: config.OverridePreserve,
		AITimeout:      time.Second,
		ExpirySchedule: "*/15 * * * *",
	}
}

func newApp(t *testing.T, cfg *config.Config) (*App, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	a, err := New(Options{Config: cfg, DB: db, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return a, mock
}

func serve(a *App, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	return w
}

func bearer(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := auth.SignToken([]byte(testJWTSecret), p, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestNew_RequiresConfigAndDB(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestNew_RejectsBadAppointmentsURL(t *testing.T) {
	cfg := testConfig()
	cfg.AppointmentsURL = "::not-a-url"
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(Options{Config: cfg, DB: db})
	assert.Error(t, err)
}

func TestRouter_PublicEndpoints(t *testing.T) {
	a, mock := newApp(t, testConfig())

	w := serve(a, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = serve(a, httptest.NewRequest(http.MethodGet, "/subscription/plans", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clinic")

	w = serve(a, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, mock.ExpectationsWereMet(), "public endpoints do not touch the database")
}

func TestRouter_WebhookWithoutSecretIs500(t *testing.T) {
	a, _ := newApp(t, testConfig())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=00")
	w := serve(a, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRouter_AuthAndAdminGuards(t *testing.T) {
	a, mock := newApp(t, testConfig())

	w := serve(a, httptest.NewRequest(http.MethodGet, "/usage/current", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/plans/subscription-stats", nil)
	req.Header.Set("Authorization", bearer(t, auth.Principal{UserID: 7, Name: "Ana", Role: "user"}))
	w = serve(a, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/plans/change-user-plan", strings.NewReader(`{"userId":7,"newTier":"gold","reason":"upgrade"}`))
	req.Header.Set("Authorization", bearer(t, auth.Principal{UserID: 1, Name: "Root", Role: "admin"}))
	req.Header.Set("Content-Type", "application/json")
	w = serve(a, req)
	assert.Equal(t, http.StatusBadRequest, w.Code, "tier is validated before any read")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCORS(t *testing.T) {
	a, _ := newApp(t, testConfig())
	req := httptest.NewRequest(http.MethodOptions, "/subscription/plans", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := serve(a, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = serve(a, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCorsConfigWildcard(t *testing.T) {
	c := corsConfig([]string{"*"})
	assert.True(t, c.AllowAllOrigins)
	assert.False(t, c.AllowCredentials)

	c = corsConfig(nil)
	assert.True(t, c.AllowAllOrigins)
}
