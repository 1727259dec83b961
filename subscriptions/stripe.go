package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"telehealth-backend/logging"
)

var ErrStripeInvalidAPIKey = errors.New("stripe_invalid_api_key")

// StripeGateway creates and cancels subscriptions through the Stripe API.
type StripeGateway struct {
	secretKey  string
	sc         *client.API
	invalidKey atomic.Bool // once detected, short-circuit further remote calls
	log        *logrus.Entry
}

func maskKey(k string) string {
	if len(k) < 12 {
		return "****"
	}
	return k[:7] + "..." + k[len(k)-4:]
}

// NewStripeGateway returns nil when no key is configured. backends may be nil
// to use the default Stripe endpoints.
func NewStripeGateway(secretKey string, backends *stripe.Backends) *StripeGateway {
	if secretKey == "" {
		return nil
	}
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &StripeGateway{
		secretKey: secretKey,
		sc:        sc,
		log:       logging.For("stripe"),
	}
}

// check maps Stripe auth failures to ErrStripeInvalidAPIKey and latches them.
func (g *StripeGateway) check(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && (se.HTTPStatusCode == 401 || strings.Contains(strings.ToLower(se.Msg), "invalid api key")) {
		g.log.WithField("key", maskKey(g.secretKey)).Errorf("[STRIPE][%s] invalid api key: %v", op, se)
		g.invalidKey.Store(true)
		return ErrStripeInvalidAPIKey
	}
	g.log.WithError(err).Errorf("[STRIPE][%s] error", op)
	return fmt.Errorf("stripe %s: %w", op, err)
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, req CheckoutRequest) (*GatewaySubscription, error) {
	if g.invalidKey.Load() {
		return nil, ErrStripeInvalidAPIKey
	}
	if req.PriceRef == "" {
		return nil, fmt.Errorf("no stripe price configured for tier %s", req.Tier)
	}
	userID := strconv.FormatInt(req.UserID, 10)

	customer := req.CustomerRef
	if customer == "" {
		params := &stripe.CustomerParams{Email: stripe.String(req.Email), Name: stripe.String(req.Name)}
		params.Context = ctx
		params.AddMetadata("user_id", userID)
		cus, err := g.sc.Customers.New(params)
		if err != nil {
			return nil, g.check("customer", err)
		}
		customer = cus.ID
	}

	if req.PaymentMethodRef != "" {
		attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customer)}
		attach.Context = ctx
		if _, err := g.sc.PaymentMethods.Attach(req.PaymentMethodRef, attach); err != nil {
			return nil, g.check("attach_payment_method", err)
		}
		update := &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{DefaultPaymentMethod: stripe.String(req.PaymentMethodRef)},
		}
		update.Context = ctx
		if _, err := g.sc.Customers.Update(customer, update); err != nil {
			return nil, g.check("default_payment_method", err)
		}
	}

	params := &stripe.SubscriptionParams{
		Customer:        stripe.String(customer),
		Items:           []*stripe.SubscriptionItemsParams{{Price: stripe.String(req.PriceRef)}},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	params.AddMetadata("tier", string(req.Tier))
	params.AddExpand("latest_invoice.payment_intent")
	sub, err := g.sc.Subscriptions.New(params)
	if err != nil {
		return nil, g.check("subscription", err)
	}

	out := &GatewaySubscription{
		CustomerRef:        customer,
		SubscriptionRef:    sub.ID,
		PriceRef:           req.PriceRef,
		Status:             string(sub.Status),
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceRef = sub.Items.Data[0].Price.ID
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		out.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	g.log.WithFields(logrus.Fields{"user_id": req.UserID, "subscription": sub.ID, "status": sub.Status}).Info("[STRIPE][subscription] created")
	return out, nil
}

// CancelSubscription schedules cancellation at period end so the user keeps
// what they already paid for.
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionRef, reason string) error {
	if g.invalidKey.Load() {
		return ErrStripeInvalidAPIKey
	}
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if reason != "" {
		params.AddMetadata("cancellation_reason", reason)
	}
	if _, err := g.sc.Subscriptions.Update(subscriptionRef, params); err != nil {
		return g.check("cancel", err)
	}
	return nil
}
