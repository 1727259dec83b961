package subscriptions

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"telehealth-backend/audit"
	"telehealth-backend/auth"
	"telehealth-backend/plans"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes mounts routes that need no session.
func (h *Handler) RegisterPublicRoutes(r gin.IRouter) {
	r.GET("/subscription/plans", h.getPlans)
}

// RegisterRoutes mounts the self-service routes; r must already authenticate.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/subscription")
	g.GET("/current", h.getCurrent)
	g.POST("/update", h.updateTier)
	g.POST("/cancel", h.cancel)
	g.GET("/billing-history", h.billingHistory)
}

func requestMetadata(c *gin.Context) audit.Metadata {
	return audit.Metadata{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func (h *Handler) getPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "plans": plans.Catalog()})
}

func (h *Handler) getCurrent(c *gin.Context) {
	p, _ := auth.Current(c)
	rec, err := h.svc.Current(c.Request.Context(), p.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": rec})
}

func (h *Handler) updateTier(c *gin.Context) {
	p, _ := auth.Current(c)
	var body struct {
		Tier            string `json:"tier"`
		PaymentMethodID string `json:"paymentMethodId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	res, err := h.svc.ChangeTier(c.Request.Context(), ChangeRequest{
		UserID:           p.UserID,
		Tier:             body.Tier,
		PaymentMethodRef: body.PaymentMethodID,
		Metadata:         requestMetadata(c),
	})
	switch {
	case err == nil:
	case errors.Is(err, plans.ErrInvalidTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription tier"})
		return
	case errors.Is(err, ErrPaymentFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrPaymentFailed.Error()})
		return
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUserNotFound.Error()})
		return
	case errors.Is(err, ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not cancel the current paid subscription"})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update subscription"})
		return
	}
	resp := gin.H{
		"success":      true,
		"message":      res.Message,
		"tier":         res.Tier,
		"subscription": res.Record,
	}
	if res.Pending {
		resp["pending"] = true
		resp["requiresPayment"] = true
		resp["clientSecret"] = res.ClientSecret
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) cancel(c *gin.Context) {
	p, _ := auth.Current(c)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	rec, err := h.svc.Cancel(c.Request.Context(), p.UserID, body.Reason)
	switch {
	case err == nil:
	case errors.Is(err, ErrCannotCancelFree):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot cancel free subscription"})
		return
	case errors.Is(err, ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to cancel subscription with payment provider"})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "Subscription cancelled. Access continues until the end of the billing period.",
		"subscription": rec,
	})
}

func (h *Handler) billingHistory(c *gin.Context) {
	p, _ := auth.Current(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.svc.BillingHistory(c.Request.Context(), p.UserID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch billing history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "billingHistory": entries})
}
