package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-backend/audit"
	"telehealth-backend/auth"
	"telehealth-backend/plans"
	"telehealth-backend/subscriptions"
	"telehealth-backend/usage"
	"telehealth-backend/users"
)

type fakePlans struct {
	changeReq subscriptions.AdminChangeRequest
	changeErr error
	bulkReq   subscriptions.BulkChangeRequest
	filter    subscriptions.UserFilter
}

func (f *fakePlans) AdminChange(_ context.Context, req subscriptions.AdminChangeRequest) (*subscriptions.AdminChangeResult, error) {
	f.changeReq = req
	if f.changeErr != nil {
		return nil, f.changeErr
	}
	return &subscriptions.AdminChangeResult{
		UserID: req.UserID, UserName: "Ana", OldTier: plans.TierFree, NewTier: plans.Tier(req.NewTier),
	}, nil
}

func (f *fakePlans) BulkAdminChange(_ context.Context, req subscriptions.BulkChangeRequest) (*subscriptions.BulkResult, error) {
	f.bulkReq = req
	if len(req.UserIDs) == 0 {
		return nil, subscriptions.ErrNoUsers
	}
	res := &subscriptions.BulkResult{OperationID: "op-1"}
	for _, id := range req.UserIDs {
		res.Results = append(res.Results, subscriptions.BulkItem{UserID: id, Success: true})
	}
	res.Summary = subscriptions.BulkSummary{SuccessCount: len(req.UserIDs), Total: len(req.UserIDs)}
	return res, nil
}

func (f *fakePlans) Stats(context.Context) (*subscriptions.Stats, error) {
	return &subscriptions.Stats{
		TierDistribution: map[plans.Tier]int{plans.TierFree: 7, plans.TierPro: 2, plans.TierClinic: 1},
		ManualOverrides:  3,
	}, nil
}

func (f *fakePlans) ListUsers(_ context.Context, uf subscriptions.UserFilter) ([]subscriptions.UserSubscription, int, error) {
	f.filter = uf
	return []subscriptions.UserSubscription{{UserID: 5, Name: "Ana"}}, 41, nil
}

type fakeAudit struct {
	queries []audit.Query
}

func (f *fakeAudit) Search(_ context.Context, q audit.Query) ([]audit.Entry, int, error) {
	f.queries = append(f.queries, q)
	return []audit.Entry{{ID: "e1", UserID: 5, Type: audit.TypeManual}}, 12, nil
}

func (f *fakeAudit) Stats(context.Context, time.Time) ([]audit.StatRow, error) {
	return []audit.StatRow{{Type: audit.TypeManual, FromTier: plans.TierFree, ToTier: plans.TierPro, Count: 4, UniqueUsers: 3}}, nil
}

type fakeUsage struct {
	period usage.Period
	days   int
	reset  int64
}

func (f *fakeUsage) Analytics(_ context.Context, p usage.Period, days int) (*usage.Analytics, error) {
	f.period, f.days = p, days
	return &usage.Analytics{}, nil
}

func (f *fakeUsage) Reset(_ context.Context, userID int64, p usage.Period) (*usage.Entry, error) {
	if userID == 404 {
		return nil, usage.ErrNotFound
	}
	f.reset, f.period = userID, p
	return &usage.Entry{UserID: userID, Period: p}, nil
}

type env struct {
	r     *gin.Engine
	plans *fakePlans
	audit *fakeAudit
	usage *fakeUsage
	clock *clockwork.FakeClock
}

func setup(t *testing.T, role string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{
		plans: &fakePlans{},
		audit: &fakeAudit{},
		usage: &fakeUsage{},
		clock: clockwork.NewFakeClockAt(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)),
	}
	e.r = gin.New()
	e.r.Use(func(c *gin.Context) {
		auth.WithPrincipal(c, auth.Principal{UserID: 1, Name: "Root", Role: role})
		c.Next()
	})
	NewHandler(e.plans, e.audit, e.usage, e.clock).RegisterRoutes(e.r)
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNonAdminRejected(t *testing.T) {
	e := setup(t, "user")
	w := e.do(http.MethodGet, "/admin/plans/subscription-stats", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestChangeUserPlan(t *testing.T) {
	e := setup(t, users.RoleAdmin)
	w := e.do(http.MethodPost, "/admin/plans/change-user-plan", `{"userId":5,"newTier":"pro","reason":"Courtesy upgrade"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode(t, w)
	assert.Equal(t, true, out["success"])
	data := out["data"].(map[string]any)
	assert.Equal(t, "Ana", data["userName"])
	assert.Equal(t, "free", data["oldTier"])
	assert.Equal(t, "pro", data["newTier"])

	req := e.plans.changeReq
	assert.Equal(t, int64(5), req.UserID)
	assert.Equal(t, audit.TypeManual, req.Type)
	require.NotNil(t, req.Admin.ID)
	assert.Equal(t, int64(1), *req.Admin.ID)
	assert.Equal(t, "Root", req.Admin.Name)
	assert.Equal(t, audit.ActorAdmin, req.Admin.Kind)
}

func TestChangeUserPlan_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid tier", plans.ErrInvalidTier, http.StatusBadRequest},
		{"short reason", subscriptions.ErrReasonRequired, http.StatusBadRequest},
		{"missing user", subscriptions.ErrUserNotFound, http.StatusNotFound},
		{"same plan", subscriptions.ErrAlreadyOnPlan, http.StatusBadRequest},
		{"store failure", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := setup(t, users.RoleAdmin)
			e.plans.changeErr = tc.err
			w := e.do(http.MethodPost, "/admin/plans/change-user-plan", `{"userId":5,"newTier":"pro","reason":"Courtesy"}`)
			assert.Equal(t, tc.code, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}

	e := setup(t, users.RoleAdmin)
	w := e.do(http.MethodPost, "/admin/plans/change-user-plan", `{"newTier":"pro"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkChangePlans(t *testing.T) {
	e := setup(t, users.RoleAdmin)
	w := e.do(http.MethodPost, "/admin/plans/bulk-change-plans", `{"userIds":[2,3],"newTier":"clinic","reason":"Partner clinic"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode(t, w)
	assert.Len(t, out["results"], 2)
	summary := out["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["successCount"])
	assert.Equal(t, []int64{2, 3}, e.plans.bulkReq.UserIDs)

	w = e.do(http.MethodPost, "/admin/plans/bulk-change-plans", `{"userIds":[],"newTier":"clinic","reason":"Partner clinic"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlanChangeLogs_FiltersAndPaging(t *testing.T) {
	e := setup(t, users.RoleAdmin)
	w := e.do(http.MethodGet, "/admin/plans/plan-change-logs?userId=5&adminId=1&type=bulk&page=2&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, e.audit.queries, 1)
	q := e.audit.queries[0]
	assert.Equal(t, int64(5), q.UserID)
	assert.Equal(t, int64(1), q.ActorID)
	assert.Equal(t, audit.TypeBulk, q.Type)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, 5, q.Offset)

	pg := decode(t, w)["pagination"].(map[string]any)
	assert.EqualValues(t, 12, pg["total"])
	assert.EqualValues(t, 3, pg["pages"])

	w = e.do(http.MethodGet, "/admin/plans/plan-change-logs?type=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodGet, "/admin/plans/plan-change-logs?userId=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscriptionStats(t *testing.T) {
	e := setup(t, users.RoleAdmin)
	w := e.do(http.MethodGet, "/admin/plans/subscription-stats", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stats := decode(t, w)["stats"].(map[string]any)
	assert.EqualValues(t, 10, stats["totalSubscriptions"])
	assert.EqualValues(t, 3, stats["manualOverrides"])
	assert.EqualValues(t, 12, stats["recentChangesCount"])
	assert.Len(t, stats["planChangeStats"], 1)

	require.Len(t, e.audit.queries, 1)
	assert.Equal(t, e.clock.Now().UTC().Add(-30*24*time.Hour), e.audit.queries[0].Since)
}

func TestUsersWithSubscriptions(t *testing.T) {
	e := setup(t, users.RoleAdmin)
	w := e.do(http.MethodGet, "/admin/plans/users-with-subscriptions?tier=pro&search=%20ana%20&limit=500", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, plans.TierPro, e.plans.filter.Tier)
	assert.Equal(t, "ana", e.plans.filter.Search)
	assert.Equal(t, maxPageSize, e.plans.filter.Limit)

	w = e.do(http.MethodGet, "/admin/plans/users-with-subscriptions?tier=gold", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageAnalyticsAndReset(t *testing.T) {
	e := setup(t, users.RoleAdmin)
	w := e.do(http.MethodGet, "/admin/usage/analytics?period=daily&days=7", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, usage.Daily, e.usage.period)
	assert.Equal(t, 7, e.usage.days)

	w = e.do(http.MethodGet, "/admin/usage/analytics?period=weekly", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/admin/usage/reset/9", `{"period":"monthly"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(9), e.usage.reset)
	assert.Equal(t, usage.Monthly, e.usage.period)

	w = e.do(http.MethodPost, "/admin/usage/reset/404", `{"period":"monthly"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(http.MethodPost, "/admin/usage/reset/x", `{"period":"monthly"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
