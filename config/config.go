package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Override policies decide what a billing event may do to an admin-granted tier.
const (
	OverridePreserve    = "preserve"
	OverrideGatewayWins = "gateway_wins"
)

type Config struct {
	Environment    string
	Port           string
	AllowedOrigins []string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	RedisURL      string
	EventDedupTTL time.Duration

	JWTSecret string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeProPriceID    string
	StripeClinicPriceID string
	GatewayTimeout      time.Duration
	OverridePolicy      string

	OpenAIKey   string
	OpenAIModel string
	AITimeout   time.Duration

	AppointmentsURL string
	ExpirySchedule  string

	LogLevel  string
	LogFormat string
}

// Load reads .env when present and then the process environment.
func Load() *Config {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	c := &Config{
		Environment:         getEnvWithDefault("APP_ENV", "development"),
		Port:                getEnvWithDefault("PORT", "8080"),
		DBUser:              os.Getenv("DB_USER"),
		DBPassword:          os.Getenv("DB_PASSWORD"),
		DBHost:              getEnvWithDefault("DB_HOST", "127.0.0.1"),
		DBPort:              getEnvWithDefault("DB_PORT", "3306"),
		DBName:              getEnvWithDefault("DB_NAME", "telehealth"),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		EventDedupTTL:       getEnvDuration("EVENT_DEDUP_TTL", 72*time.Hour),
		JWTSecret:           strings.TrimSpace(os.Getenv("JWT_SECRET")),
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeProPriceID:    strings.TrimSpace(os.Getenv("STRIPE_PRO_PRICE_ID")),
		StripeClinicPriceID: strings.TrimSpace(os.Getenv("STRIPE_CLINIC_PRICE_ID")),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		OverridePolicy:      getEnvWithDefault("BILLING_OVERRIDE_POLICY", OverridePreserve),
		OpenAIKey:           strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:         getEnvWithDefault("OPENAI_MODEL", "gpt-4o-mini"),
		AITimeout:           getEnvDuration("AI_TIMEOUT", 30*time.Second),
		AppointmentsURL:     strings.TrimSpace(os.Getenv("APPOINTMENTS_URL")),
		ExpirySchedule:      getEnvWithDefault("EXPIRY_SCHEDULE", "*/15 * * * *"),
		LogLevel:            getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvWithDefault("LOG_FORMAT", "json"),
	}
	origins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}
	return c
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.OverridePolicy != OverridePreserve && c.OverridePolicy != OverrideGatewayWins {
		errs = append(errs, fmt.Errorf("BILLING_OVERRIDE_POLICY must be %q or %q, got %q", OverridePreserve, OverrideGatewayWins, c.OverridePolicy))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.AITimeout <= 0 {
		errs = append(errs, errors.New("AI_TIMEOUT must be positive"))
	}
	if _, err := cron.ParseStandard(c.ExpirySchedule); err != nil {
		errs = append(errs, fmt.Errorf("EXPIRY_SCHEDULE: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }

// StripeEnabled reports whether real gateway calls can be made.
func (c *Config) StripeEnabled() bool { return c.StripeSecretKey != "" }

func getEnvWithDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// getEnvDuration accepts Go durations ("15s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
