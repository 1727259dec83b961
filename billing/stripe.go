package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeParser verifies Stripe-Signature headers and maps Stripe events onto Event.
type StripeParser struct {
	secret string
}

func NewStripeParser(secret string) *StripeParser {
	return &StripeParser{secret: secret}
}

var stripeTypes = map[string]EventType{
	"customer.subscription.created": SubscriptionCreated,
	"customer.subscription.updated": SubscriptionUpdated,
	"customer.subscription.deleted": SubscriptionDeleted,
	"invoice.payment_succeeded":     PaymentSucceeded,
	"invoice.paid":                  PaymentSucceeded,
	"invoice.payment_failed":        PaymentFailed,
}

// stripeRef accepts an object id either as a bare string or as an expanded object.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = stripeRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          stripeRef         `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID                string            `json:"id"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	AmountPaid        int64             `json:"amount_paid"`
	AmountDue         int64             `json:"amount_due"`
	Currency          string            `json:"currency"`
	Created           int64             `json:"created"`
	Description       string            `json:"description"`
	HostedInvoiceURL  string            `json:"hosted_invoice_url"`
	InvoicePDF        string            `json:"invoice_pdf"`
	Metadata          map[string]string `json:"metadata"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription stripeRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func userIDFrom(metas ...map[string]string) int64 {
	for _, m := range metas {
		if v := strings.TrimSpace(m["user_id"]); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
				return id
			}
		}
	}
	return 0
}

func (p *StripeParser) Parse(payload []byte, signature string) (*Event, error) {
	se, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ev := &Event{
		ID:      se.ID,
		RawType: string(se.Type),
		Created: unix(se.Created),
		Type:    stripeTypes[string(se.Type)],
	}
	if ev.Type == "" {
		return ev, nil
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no object", ErrMalformedEvent, se.Type)
	}

	switch ev.Type {
	case PaymentSucceeded, PaymentFailed:
		var inv stripeInvoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
		}
		ev.CustomerRef = string(inv.Customer)
		ev.UserIDHint = userIDFrom(inv.Metadata, inv.SubscriptionDetails.Metadata, inv.Parent.SubscriptionDetails.Metadata)
		subRef := string(inv.Subscription)
		if subRef == "" {
			subRef = string(inv.Parent.SubscriptionDetails.Subscription)
		}
		amount := inv.AmountPaid
		if ev.Type == PaymentFailed {
			amount = inv.AmountDue
		}
		paidAt := unix(inv.StatusTransitions.PaidAt)
		if paidAt.IsZero() {
			paidAt = ev.Created
		}
		url := inv.HostedInvoiceURL
		if url == "" {
			url = inv.InvoicePDF
		}
		ev.Invoice = &InvoiceData{
			ID:              inv.ID,
			SubscriptionRef: subRef,
			AmountCents:     amount,
			Currency:        strings.ToUpper(inv.Currency),
			PaidAt:          paidAt,
			Description:     inv.Description,
			URL:             url,
		}
	default:
		var sub stripeSubscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		ev.CustomerRef = string(sub.Customer)
		ev.UserIDHint = userIDFrom(sub.Metadata)
		data := &SubscriptionData{
			Ref:               sub.ID,
			Status:            sub.Status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			CurrentPeriodEnd:  unix(sub.CurrentPeriodEnd),
		}
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			data.PriceRef = item.Price.ID
			if data.CurrentPeriodEnd.IsZero() {
				data.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
			}
		}
		ev.Subscription = data
	}
	return ev, nil
}
