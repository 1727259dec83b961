package billing

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telehealth-backend/logging"
)

const maxWebhookBody = int64(65536)

type Applier interface {
	Apply(ctx context.Context, ev *Event) (Outcome, error)
}

// Handler receives gateway webhooks. parser is nil when no signing secret is configured.
type Handler struct {
	parser  Parser
	applier Applier
	log     *logrus.Entry
}

func NewHandler(parser Parser, applier Applier) *Handler {
	return &Handler{parser: parser, applier: applier, log: logging.For("billing")}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.stripeWebhook)
}

func (h *Handler) stripeWebhook(c *gin.Context) {
	if h.parser == nil {
		h.log.Error("[billing][webhook] STRIPE_WEBHOOK_SECRET not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook secret not configured"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	ev, err := h.parser.Parse(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			h.log.WithError(err).Warn("[billing][webhook] signature verification failed")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		h.log.WithError(err).Warn("[billing][webhook] undecodable event")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	outcome, err := h.applier.Apply(c.Request.Context(), ev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}
