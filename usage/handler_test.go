package usage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-backend/auth"
)

func setupRouter(l *Ledger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		auth.WithPrincipal(c, auth.Principal{UserID: 42})
		c.Next()
	})
	NewHandler(l).RegisterRoutes(r)
	return r
}

func get(r *gin.Engine, path string) (int, map[string]any) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestHandler_Current(t *testing.T) {
	l, _, _, _ := newTestLedger(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	code, body := get(setupRouter(l), "/usage/current")
	require.Equal(t, http.StatusOK, code)

	u := body["usage"].(map[string]any)
	monthly := u["monthly"].(map[string]any)
	daily := u["daily"].(map[string]any)
	assert.Equal(t, "2026-03", monthly["dateKey"])
	assert.Equal(t, "monthly", monthly["period"])
	assert.Equal(t, "2026-03-10", daily["dateKey"])
	assert.Equal(t, false, monthly["hasExceededLimits"])
	assert.Equal(t, float64(3), monthly["remaining"].(map[string]any)["aiMessages"])
}

func TestHandler_HistoryRejectsBadPeriod(t *testing.T) {
	l, _, _, _ := newTestLedger(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	code, _ := get(setupRouter(l), "/usage/history?period=weekly")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := get(setupRouter(l), "/usage/history")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "monthly", body["period"])
}

func TestHandler_Summary(t *testing.T) {
	l, _, _, _ := newTestLedger(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	code, body := get(setupRouter(l), "/usage/summary")
	require.Equal(t, http.StatusOK, code)
	s := body["summary"].(map[string]any)
	assert.Equal(t, "free", s["subscriptionTier"])
	assert.Equal(t, false, s["needsUpgrade"])
}
