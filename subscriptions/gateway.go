package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"telehealth-backend/plans"
)

// CheckoutRequest asks the gateway to start a paid subscription.
type CheckoutRequest struct {
	UserID           int64
	Email            string
	Name             string
	Tier             plans.Tier
	PriceRef         string
	CustomerRef      string
	PaymentMethodRef string
}

// GatewaySubscription is what the gateway reports back after checkout.
type GatewaySubscription struct {
	CustomerRef        string
	SubscriptionRef    string
	PriceRef           string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	ClientSecret       string
}

// Confirmed reports whether the gateway activated the subscription immediately.
func (g *GatewaySubscription) Confirmed() bool {
	s := plans.StatusFromGateway(g.Status)
	return s == plans.StatusActive || s == plans.StatusTrialing
}

// Gateway is the external payment collaborator.
type Gateway interface {
	CreateSubscription(ctx context.Context, req CheckoutRequest) (*GatewaySubscription, error)
	CancelSubscription(ctx context.Context, subscriptionRef, reason string) error
}

// SimulatedGateway confirms every checkout immediately. It is used when no
// gateway key is configured.
type SimulatedGateway struct {
	clock clockwork.Clock
}

func NewSimulatedGateway(clock clockwork.Clock) *SimulatedGateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SimulatedGateway{clock: clock}
}

func (g *SimulatedGateway) CreateSubscription(ctx context.Context, req CheckoutRequest) (*GatewaySubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := g.clock.Now().UTC()
	customer := req.CustomerRef
	if customer == "" {
		customer = "sim_cus_" + uuid.NewString()
	}
	price := req.PriceRef
	if price == "" {
		price = "sim_price_" + string(req.Tier)
	}
	return &GatewaySubscription{
		CustomerRef:        customer,
		SubscriptionRef:    "sim_sub_" + uuid.NewString(),
		PriceRef:           price,
		Status:             "active",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (g *SimulatedGateway) CancelSubscription(ctx context.Context, subscriptionRef, reason string) error {
	return ctx.Err()
}
