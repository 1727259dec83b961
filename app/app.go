package app

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"telehealth-backend/admin"
	"telehealth-backend/appointments"
	"telehealth-backend/audit"
	"telehealth-backend/auth"
	"telehealth-backend/billing"
	"telehealth-backend/chat"
	"telehealth-backend/config"
	"telehealth-backend/expiry"
	"telehealth-backend/logging"
	"telehealth-backend/metrics"
	"telehealth-backend/openai"
	"telehealth-backend/plans"
	"telehealth-backend/quota"
	"telehealth-backend/subscriptions"
	"telehealth-backend/usage"
	"telehealth-backend/users"
)

// App holds the assembled HTTP router and the background jobs it owns.
type App struct {
	Router        *gin.Engine
	Sweeper       *expiry.Sweeper
	Subscriptions *subscriptions.Service
	Metrics       *metrics.Metrics
}

// Options carries the process resources the app is built on. Redis is optional.
type Options struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	Clock  clockwork.Clock
}

// New wires every component from the configuration.
func New(o Options) (*App, error) {
	cfg := o.Config
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if o.DB == nil {
		return nil, fmt.Errorf("app: db is required")
	}
	clock := o.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := logging.For("app")
	m := metrics.New(prometheus.NewRegistry())
	prices := plans.NewPriceBook(cfg.StripeProPriceID, cfg.StripeClinicPriceID)

	userRepo := users.NewRepository(o.DB)
	subRepo := subscriptions.NewRepository(o.DB)
	auditLog := audit.NewLog(audit.NewRepository(o.DB), clock)

	var gateway subscriptions.Gateway
	if sg := subscriptions.NewStripeGateway(cfg.StripeSecretKey, nil); sg != nil {
		gateway = sg
	} else {
		log.Warn("[app] STRIPE_SECRET_KEY not set; using simulated gateway")
		gateway = subscriptions.NewSimulatedGateway(clock)
	}

	subs := subscriptions.NewService(subscriptions.ServiceDeps{
		Store:          subRepo,
		Users:          userRepo,
		Audit:          auditLog,
		Gateway:        gateway,
		Prices:         prices,
		Clock:          clock,
		GatewayTimeout: cfg.GatewayTimeout,
		Metrics:        m,
	})
	ledger := usage.NewLedger(usage.NewRepository(o.DB), subs, clock, m)
	gate := quota.NewGate(subs, ledger, m)

	var events billing.EventLog
	if o.Redis != nil {
		events = billing.NewRedisEventLog(o.Redis, cfg.EventDedupTTL)
	} else {
		events = billing.NewSQLEventLog(o.DB, clock)
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerDeps{
		Store:          subRepo,
		Init:           subRepo,
		Users:          userRepo,
		Audit:          auditLog,
		Events:         events,
		Prices:         prices,
		Gateway:        gateway,
		GatewayTimeout: cfg.GatewayTimeout,
		Policy:         cfg.OverridePolicy,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	var parser billing.Parser
	if cfg.StripeWebhookSecret != "" {
		parser = billing.NewStripeParser(cfg.StripeWebhookSecret)
	} else {
		log.Warn("[app] STRIPE_WEBHOOK_SECRET not set; webhook will reject events")
	}

	ai := openai.NewClient(openai.Options{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel, Timeout: cfg.AITimeout})
	booking, err := appointments.NewHandler(cfg.AppointmentsURL, ledger, cfg.GatewayTimeout)
	if err != nil {
		return nil, err
	}
	sweeper, err := expiry.NewSweeper(subs, cfg.ExpirySchedule)
	if err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.LoggerWithWriter(logging.GinWriter(), "/health", "/metrics"), gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": clock.Now().UTC()})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	subHandler := subscriptions.NewHandler(subs)
	subHandler.RegisterPublicRoutes(r)
	billing.NewHandler(parser, reconciler).RegisterRoutes(r)

	authed := r.Group("/", auth.Middleware([]byte(cfg.JWTSecret)))
	subHandler.RegisterRoutes(authed)
	usage.NewHandler(ledger).RegisterRoutes(authed)
	gate.RegisterRoutes(authed)
	chat.NewHandler(ai, ledger, clock).RegisterRoutes(authed, gate)
	booking.RegisterRoutes(authed, gate)
	admin.NewHandler(subs, auditLog, ledger, clock).RegisterRoutes(authed)

	log.WithFields(logrus.Fields{
		"stripe":       cfg.StripeEnabled(),
		"redis":        o.Redis != nil,
		"ai":           ai.Enabled(),
		"override":     cfg.OverridePolicy,
		"appointments": cfg.AppointmentsURL != "",
	}).Info("[app] components wired")

	return &App{Router: r, Sweeper: sweeper, Subscriptions: subs, Metrics: m}, nil
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Stripe-Signature"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}
