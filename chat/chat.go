package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"telehealth-backend/auth"
	"telehealth-backend/logging"
	"telehealth-backend/openai"
	"telehealth-backend/quota"
	"telehealth-backend/sse"
	"telehealth-backend/usage"
)

const maxMessageLen = 4000

// Handler proxies AI consultation and symptom-checker requests to the
// completion service behind the quota gate.
type Handler struct {
	AI      AIClient
	tracker quota.Tracker
	clock   clockwork.Clock
	log     *logrus.Entry
}

func NewHandler(ai AIClient, tracker quota.Tracker, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{AI: ai, tracker: tracker, clock: clock, log: logging.For("chat")}
}

// mode is one AI feature and the ledger counters it moves.
type mode struct {
	name    string
	system  string
	message usage.Kind
	session usage.Kind
}

var (
	consultation   = mode{"consultation", consultationPrompt, usage.AIConsultationMessage, usage.AIConsultationSession}
	symptomChecker = mode{"symptom-checker", symptomCheckerPrompt, usage.SymptomCheckerMessage, usage.SymptomCheckerSession}
)

// RegisterRoutes mounts the AI routes; r must already authenticate.
func (h *Handler) RegisterRoutes(r gin.IRouter, gate *quota.Gate) {
	g := r.Group("/ai")
	g.POST("/consultation", gate.Middleware(quota.ActionAIMessage), quota.Track(h.tracker, consultation.message), h.handle(consultation))
	g.POST("/symptom-checker", gate.Middleware(quota.ActionAIMessage), quota.Track(h.tracker, symptomChecker.message), h.handle(symptomChecker))
}

type messageRequest struct {
	Message   string   `json:"message"`
	Symptoms  []string `json:"symptoms"`
	SessionID string   `json:"sessionId"`
	Stream    bool     `json:"stream"`
}

func (req messageRequest) prompt() string {
	msg := strings.TrimSpace(req.Message)
	if len(req.Symptoms) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString("Symptoms: ")
	b.WriteString(strings.Join(req.Symptoms, ", "))
	if msg != "" {
		b.WriteString("\n\n")
		b.WriteString(msg)
	}
	return b.String()
}

func (h *Handler) handle(m mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := auth.Current(c)
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		prompt := req.prompt()
		if prompt == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
			return
		}
		if len(prompt) > maxMessageLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is too long"})
			return
		}
		if !h.AI.Enabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "AI service is not available"})
			return
		}
		newSession := req.SessionID == ""
		if newSession {
			req.SessionID = uuid.NewString()
		}
		fields := logrus.Fields{"user_id": p.UserID, "mode": m.name, "session": req.SessionID, "stream": req.Stream}
		start := h.clock.Now()

		if req.Stream {
			ch, err := h.AI.Stream(c.Request.Context(), m.system, prompt)
			if err != nil {
				h.fail(c, fields, err)
				return
			}
			c.Header("X-Session-Id", req.SessionID)
			text := sse.Stream(c, ch)
			h.finish(c, p.UserID, m, newSession, start)
			h.log.WithFields(fields).WithField("chars", len(text)).Info("[chat][stream] done")
			return
		}

		out, err := h.AI.Complete(c.Request.Context(), m.system, prompt)
		if err != nil {
			h.fail(c, fields, err)
			return
		}
		h.finish(c, p.UserID, m, newSession, start)
		h.log.WithFields(fields).WithField("tokens", out.CompletionTokens).Info("[chat][complete]")
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"sessionId": req.SessionID,
			"response":  out.Text,
			"usage":     gin.H{"promptTokens": out.PromptTokens, "completionTokens": out.CompletionTokens},
			"remaining": c.GetInt("quota_remaining"),
		})
	}
}

// finish reports session time for the message counter and opens a session
// counter on the first message of a conversation.
func (h *Handler) finish(c *gin.Context, userID int64, m mode, newSession bool, start time.Time) {
	secs := int(h.clock.Since(start) / time.Second)
	c.Set(quota.SessionSecondsKey, secs)
	if !newSession || h.tracker == nil {
		return
	}
	if err := h.tracker.Increment(context.WithoutCancel(c.Request.Context()), userID, m.session, 1, 0); err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("[chat][session] session not recorded")
	}
}

func (h *Handler) fail(c *gin.Context, fields logrus.Fields, err error) {
	h.log.WithError(err).WithFields(fields).Error("[chat][upstream] completion failed")
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "AI service timed out"})
	case errors.Is(err, openai.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "AI service is not available"})
	case errors.Is(err, openai.ErrEmptyPrompt):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "AI service error"})
	}
}
