package usage

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"telehealth-backend/auth"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes mounts the user's usage reads; r must already authenticate.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/usage")
	g.GET("/current", h.current)
	g.GET("/history", h.history)
	g.GET("/summary", h.summary)
}

func (h *Handler) current(c *gin.Context) {
	p, _ := auth.Current(c)
	monthly, daily, err := h.ledger.Current(c.Request.Context(), p.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get usage information"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"subscriptionTier":  monthly.SubscriptionTier,
		"hasUnlimitedUsage": monthly.SubscriptionTier.Paid(),
		"usage": gin.H{
			"monthly": monthly.View(),
			"daily":   daily.View(),
		},
	})
}

func (h *Handler) history(c *gin.Context) {
	p, _ := auth.Current(c)
	period, err := ParsePeriod(c.Query("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.ledger.History(c.Request.Context(), p.UserID, period, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get usage history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "period": period, "history": entries, "total": len(entries)})
}

func (h *Handler) summary(c *gin.Context) {
	p, _ := auth.Current(c)
	s, err := h.ledger.Summary(c.Request.Context(), p.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get usage summary"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": s})
}
