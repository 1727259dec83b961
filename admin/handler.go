package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"telehealth-backend/audit"
	"telehealth-backend/auth"
	"telehealth-backend/logging"
	"telehealth-backend/plans"
	"telehealth-backend/subscriptions"
	"telehealth-backend/usage"
)

type PlanService interface {
	AdminChange(ctx context.Context, req subscriptions.AdminChangeRequest) (*subscriptions.AdminChangeResult, error)
	BulkAdminChange(ctx context.Context, req subscriptions.BulkChangeRequest) (*subscriptions.BulkResult, error)
	Stats(ctx context.Context) (*subscriptions.Stats, error)
	ListUsers(ctx context.Context, f subscriptions.UserFilter) ([]subscriptions.UserSubscription, int, error)
}

type AuditLog interface {
	Search(ctx context.Context, q audit.Query) ([]audit.Entry, int, error)
	Stats(ctx context.Context, since time.Time) ([]audit.StatRow, error)
}

type UsageAdmin interface {
	Analytics(ctx context.Context, p usage.Period, days int) (*usage.Analytics, error)
	Reset(ctx context.Context, userID int64, p usage.Period) (*usage.Entry, error)
}

const (
	statsWindow       = 30 * 24 * time.Hour
	recentChangesSize = 10
	defaultPageSize   = 20
	maxPageSize       = 100
)

// Handler serves the administrator plan and usage endpoints.
type Handler struct {
	plans PlanService
	audit AuditLog
	usage UsageAdmin
	clock clockwork.Clock
	log   *logrus.Entry
}

func NewHandler(p PlanService, a AuditLog, u UsageAdmin, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{plans: p, audit: a, usage: u, clock: clock, log: logging.For("admin")}
}

// RegisterRoutes mounts /admin; the role check runs before any handler.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/admin", auth.RequireAdmin())

	p := g.Group("/plans")
	p.POST("/change-user-plan", h.changeUserPlan)
	p.POST("/bulk-change-plans", h.bulkChangePlans)
	p.GET("/plan-change-logs", h.planChangeLogs)
	p.GET("/subscription-stats", h.subscriptionStats)
	p.GET("/users-with-subscriptions", h.usersWithSubscriptions)

	u := g.Group("/usage")
	u.GET("/analytics", h.usageAnalytics)
	u.POST("/reset/:userId", h.resetUsage)
}

func actorFrom(c *gin.Context) audit.Actor {
	p, _ := auth.Current(c)
	name := p.Name
	if name == "" {
		name = p.Email
	}
	return audit.AdminActor(p.UserID, name)
}

func requestMetadata(c *gin.Context) audit.Metadata {
	return audit.Metadata{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// changeError maps plan-change failures to a status and message.
func changeError(err error) (int, string) {
	switch {
	case errors.Is(err, plans.ErrInvalidTier):
		return http.StatusBadRequest, "Invalid tier. Must be free, pro, or clinic"
	case errors.Is(err, subscriptions.ErrReasonRequired):
		return http.StatusBadRequest, "Reason is required and must be at least 5 characters"
	case errors.Is(err, audit.ErrReasonTooLong):
		return http.StatusBadRequest, audit.ErrReasonTooLong.Error()
	case errors.Is(err, subscriptions.ErrNoUsers):
		return http.StatusBadRequest, "User IDs array is required"
	case errors.Is(err, subscriptions.ErrUserNotFound):
		return http.StatusNotFound, subscriptions.ErrUserNotFound.Error()
	case errors.Is(err, subscriptions.ErrAlreadyOnPlan):
		return http.StatusBadRequest, subscriptions.ErrAlreadyOnPlan.Error()
	default:
		return http.StatusInternalServerError, "Failed to change user plan"
	}
}

func (h *Handler) changeUserPlan(c *gin.Context) {
	var body struct {
		UserID  int64  `json:"userId"`
		NewTier string `json:"newTier"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId, newTier and reason are required"})
		return
	}
	actor := actorFrom(c)
	res, err := h.plans.AdminChange(c.Request.Context(), subscriptions.AdminChangeRequest{
		Admin:    actor,
		UserID:   body.UserID,
		NewTier:  body.NewTier,
		Reason:   body.Reason,
		Type:     audit.TypeManual,
		Metadata: requestMetadata(c),
	})
	if err != nil {
		status, msg := changeError(err)
		if status == http.StatusInternalServerError {
			h.log.WithError(err).WithField("user_id", body.UserID).Error("[admin][change-plan] failed")
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "User plan changed from " + string(res.OldTier) + " to " + string(res.NewTier),
		"data": gin.H{
			"userId":   res.UserID,
			"userName": res.UserName,
			"oldTier":  res.OldTier,
			"newTier":  res.NewTier,
		},
	})
}

func (h *Handler) bulkChangePlans(c *gin.Context) {
	var body struct {
		UserIDs []int64 `json:"userIds"`
		NewTier string  `json:"newTier"`
		Reason  string  `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userIds, newTier and reason are required"})
		return
	}
	res, err := h.plans.BulkAdminChange(c.Request.Context(), subscriptions.BulkChangeRequest{
		Admin:    actorFrom(c),
		UserIDs:  body.UserIDs,
		NewTier:  body.NewTier,
		Reason:   body.Reason,
		Metadata: requestMetadata(c),
	})
	if err != nil {
		status, msg := changeError(err)
		if status == http.StatusInternalServerError {
			h.log.WithError(err).Error("[admin][bulk-change] failed")
			msg = "Failed to perform bulk plan change"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "Bulk change completed: " + strconv.Itoa(res.Summary.SuccessCount) + " successful, " + strconv.Itoa(res.Summary.FailCount) + " failed",
		"operationId": res.OperationID,
		"results":     res.Results,
		"summary":     res.Summary,
	})
}

type page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

func pageParams(c *gin.Context) (pageNo, limit int) {
	pageNo, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if pageNo < 1 {
		pageNo = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return pageNo, limit
}

func pagination(pageNo, limit, total int) page {
	return page{Page: pageNo, Limit: limit, Total: total, Pages: (total + limit - 1) / limit}
}

func queryID(c *gin.Context, key string) (int64, bool) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(v, 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) planChangeLogs(c *gin.Context) {
	pageNo, limit := pageParams(c)
	userID, ok := queryID(c, "userId")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
		return
	}
	adminID, ok := queryID(c, "adminId")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid adminId"})
		return
	}
	q := audit.Query{UserID: userID, ActorID: adminID, Limit: limit, Offset: (pageNo - 1) * limit}
	if t := c.Query("type"); t != "" {
		q.Type = audit.ChangeType(t)
		if !q.Type.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": audit.ErrInvalidType.Error()})
			return
		}
	}
	logs, total, err := h.audit.Search(c.Request.Context(), q)
	if err != nil {
		h.log.WithError(err).Error("[admin][plan-logs] query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get plan change logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs, "pagination": pagination(pageNo, limit, total)})
}

func (h *Handler) subscriptionStats(c *gin.Context) {
	ctx := c.Request.Context()
	since := h.clock.Now().UTC().Add(-statsWindow)
	stats, err := h.plans.Stats(ctx)
	if err != nil {
		h.log.WithError(err).Error("[admin][stats] subscription stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get subscription statistics"})
		return
	}
	recent, recentTotal, err := h.audit.Search(ctx, audit.Query{Since: since, Limit: recentChangesSize})
	if err != nil {
		h.log.WithError(err).Error("[admin][stats] recent changes failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get subscription statistics"})
		return
	}
	rows, err := h.audit.Stats(ctx, since)
	if err != nil {
		h.log.WithError(err).Error("[admin][stats] audit stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get subscription statistics"})
		return
	}
	total := 0
	for _, n := range stats.TierDistribution {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats": gin.H{
			"tierDistribution":   stats.TierDistribution,
			"totalSubscriptions": total,
			"manualOverrides":    stats.ManualOverrides,
			"recentChangesCount": recentTotal,
			"recentChanges":      recent,
			"planChangeStats":    rows,
			"periodStart":        since,
		},
	})
}

func (h *Handler) usersWithSubscriptions(c *gin.Context) {
	pageNo, limit := pageParams(c)
	f := subscriptions.UserFilter{
		Search: strings.TrimSpace(c.Query("search")),
		Limit:  limit,
		Offset: (pageNo - 1) * limit,
	}
	if t := c.Query("tier"); t != "" {
		tier, err := plans.ParseTier(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tier"})
			return
		}
		f.Tier = tier
	}
	list, total, err := h.plans.ListUsers(c.Request.Context(), f)
	if err != nil {
		h.log.WithError(err).Error("[admin][users] list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get users"})
		return
	}
	if list == nil {
		list = []subscriptions.UserSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": list, "pagination": pagination(pageNo, limit, total)})
}

func (h *Handler) usageAnalytics(c *gin.Context) {
	p, err := usage.ParsePeriod(c.Query("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	a, err := h.usage.Analytics(c.Request.Context(), p, days)
	if err != nil {
		h.log.WithError(err).Error("[admin][usage] analytics failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get usage analytics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "analytics": a})
}

func (h *Handler) resetUsage(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
		return
	}
	var body struct {
		Period string `json:"period"`
	}
	_ = c.ShouldBindJSON(&body)
	p, err := usage.ParsePeriod(body.Period)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := h.usage.Reset(c.Request.Context(), userID, p)
	switch {
	case err == nil:
	case errors.Is(err, usage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Usage record not found"})
		return
	default:
		h.log.WithError(err).WithField("user_id", userID).Error("[admin][usage] reset failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset usage"})
		return
	}
	admin := actorFrom(c)
	h.log.WithFields(logrus.Fields{"user_id": userID, "period": p, "admin": admin.Name}).Info("[admin][usage] reset")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Usage reset for " + string(p) + " period", "usage": e})
}
