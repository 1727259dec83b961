package quota

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telehealth-backend/auth"
	"telehealth-backend/logging"
	"telehealth-backend/metrics"
	"telehealth-backend/plans"
	"telehealth-backend/usage"
)

// Action is a gated feature.
type Action string

const (
	ActionAIMessage   Action = "aiMessage"
	ActionAppointment Action = "appointment"
)

const (
	ReasonUnlimited     = "unlimited"
	ReasonWithinLimits  = "within_limits"
	ReasonLimitExceeded = "monthly_limit_exceeded"
)

// SessionSecondsKey lets a handler report session time for the tracked kind.
const SessionSecondsKey = "quota_session_seconds"

var ErrInvalidAction = errors.New("invalid action type")

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAIMessage, ActionAppointment:
		return a, nil
	}
	return "", ErrInvalidAction
}

// Decision is the gate outcome. Limit and Remaining are -1 when unlimited.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	Current   int    `json:"current"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

type TierSource interface {
	CurrentTier(ctx context.Context, userID int64) (plans.Tier, error)
}

type Buckets interface {
	GetOrCreateBucket(ctx context.Context, userID int64, p usage.Period) (*usage.Entry, error)
}

type Tracker interface {
	Increment(ctx context.Context, userID int64, kind usage.Kind, amount, seconds int) error
}

// Gate decides whether a user may perform a metered action. Decisions are
// advisory: the check and the later increment are separate calls, so racing
// requests can each pass the check and overshoot the limit by one unit each.
type Gate struct {
	tiers   TierSource
	buckets Buckets
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewGate(tiers TierSource, buckets Buckets, m *metrics.Metrics) *Gate {
	return &Gate{tiers: tiers, buckets: buckets, metrics: m, log: logging.For("quota")}
}

// CanPerformAction reads the tier first; paid tiers never touch the ledger.
func (g *Gate) CanPerformAction(ctx context.Context, userID int64, action Action) (Decision, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return Decision{}, err
	}
	tier, err := g.tiers.CurrentTier(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("read tier: %w", err)
	}
	if tier != plans.TierFree {
		d := Decision{Allowed: true, Reason: ReasonUnlimited, Limit: plans.Unlimited, Remaining: plans.Unlimited}
		g.metrics.QuotaDecision(string(action), d.Reason)
		return d, nil
	}
	bucket, err := g.buckets.GetOrCreateBucket(ctx, userID, usage.Monthly)
	if err != nil {
		return Decision{}, fmt.Errorf("read usage: %w", err)
	}
	var current, limit int
	switch action {
	case ActionAIMessage:
		current, limit = bucket.Usage.TotalAIMessages, bucket.LimitsInEffect.AIMessages
	case ActionAppointment:
		current, limit = bucket.Usage.AppointmentsBooked, bucket.LimitsInEffect.AppointmentsPerMonth
	}
	d := decide(current, limit)
	g.metrics.QuotaDecision(string(action), d.Reason)
	return d, nil
}

func decide(current, limit int) Decision {
	if limit == plans.Unlimited {
		return Decision{Allowed: true, Reason: ReasonUnlimited, Current: current, Limit: limit, Remaining: plans.Unlimited}
	}
	if current >= limit {
		return Decision{Allowed: false, Reason: ReasonLimitExceeded, Current: current, Limit: limit, Remaining: 0}
	}
	return Decision{Allowed: true, Reason: ReasonWithinLimits, Current: current, Limit: limit, Remaining: limit - current}
}

var denyMessages = map[Action][2]string{
	ActionAIMessage: {"Usage limit exceeded",
		"You have reached your monthly limit for AI consultations and symptom checker. Please upgrade to Pro for unlimited access."},
	ActionAppointment: {"Appointment limit exceeded",
		"You have reached your monthly limit for appointments. Please upgrade to Pro for more appointments."},
}

// Middleware rejects the request with 429 when the decision denies it.
// QUOTA_DISABLE=1 bypasses the gate for local debugging.
func (g *Gate) Middleware(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if os.Getenv("QUOTA_DISABLE") == "1" {
			g.log.WithField("action", action).Debug("[quota][bypass] QUOTA_DISABLE=1")
			c.Next()
			return
		}
		p, ok := auth.Current(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session"})
			return
		}
		d, err := g.CanPerformAction(c.Request.Context(), p.UserID, action)
		if err != nil {
			g.log.WithError(err).WithFields(logrus.Fields{"user_id": p.UserID, "action": action}).Error("[quota][error] check failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to check usage limits"})
			return
		}
		if !d.Allowed {
			msg := denyMessages[action]
			g.log.WithFields(logrus.Fields{"user_id": p.UserID, "action": action, "current": d.Current, "limit": d.Limit}).Info("[quota][deny] limit reached")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":           msg[0],
				"message":         msg[1],
				"reason":          d.Reason,
				"current":         d.Current,
				"limit":           d.Limit,
				"remaining":       d.Remaining,
				"upgradeRequired": true,
				"upgradeUrl":      "/pricing",
			})
			return
		}
		c.Set("quota_decision", d)
		c.Set("quota_remaining", d.Remaining)
		c.Next()
	}
}

// Track records kind after the handler ran, only for responses below 400.
// The increment outlives the request context so a client disconnect after a
// served response still counts.
func Track(t Tracker, kind usage.Kind) gin.HandlerFunc {
	log := logging.For("quota")
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		p, ok := auth.Current(c)
		if !ok {
			return
		}
		ctx := context.WithoutCancel(c.Request.Context())
		if err := t.Increment(ctx, p.UserID, kind, 1, c.GetInt(SessionSecondsKey)); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"user_id": p.UserID, "kind": kind}).Error("[quota][track] usage not recorded")
			return
		}
		log.WithFields(logrus.Fields{"user_id": p.UserID, "kind": kind}).Debug("[quota][track] recorded")
	}
}

// RegisterRoutes mounts GET /usage/check/:action; r must already authenticate.
func (g *Gate) RegisterRoutes(r gin.IRouter) {
	r.GET("/usage/check/:action", g.check)
}

func (g *Gate) check(c *gin.Context) {
	p, _ := auth.Current(c)
	action, err := ParseAction(c.Param("action"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := g.CanPerformAction(c.Request.Context(), p.UserID, action)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check action limit"})
		return
	}
	c.JSON(http.StatusOK, d)
}
