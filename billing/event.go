package billing

import (
	"context"
	"errors"
	"time"
)

// EventType is the gateway-neutral kind of a billing event.
type EventType string

const (
	SubscriptionCreated EventType = "subscription.created"
	SubscriptionUpdated EventType = "subscription.updated"
	SubscriptionDeleted EventType = "subscription.deleted"
	PaymentSucceeded    EventType = "payment.succeeded"
	PaymentFailed       EventType = "payment.failed"
)

func (t EventType) Known() bool {
	switch t {
	case SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted, PaymentSucceeded, PaymentFailed:
		return true
	}
	return false
}

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// Event is a verified billing event. Type is empty for gateway events that
// carry no subscription state; RawType keeps the gateway's own name.
type Event struct {
	ID          string
	Type        EventType
	RawType     string
	Created     time.Time
	CustomerRef string
	// UserIDHint comes from object metadata and is used when the customer
	// ref is not yet linked to a local record.
	UserIDHint   int64
	Subscription *SubscriptionData
	Invoice      *InvoiceData
}

type SubscriptionData struct {
	Ref               string
	PriceRef          string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
}

type InvoiceData struct {
	ID              string
	SubscriptionRef string
	AmountCents     int64
	Currency        string
	PaidAt          time.Time
	Description     string
	URL             string
}

// subscriptionRef is the subscription an event refers to, if any.
func (e *Event) subscriptionRef() string {
	switch {
	case e.Subscription != nil:
		return e.Subscription.Ref
	case e.Invoice != nil:
		return e.Invoice.SubscriptionRef
	}
	return ""
}

// Parser verifies a raw webhook delivery and decodes it.
type Parser interface {
	Parse(payload []byte, signature string) (*Event, error)
}

// EventLog remembers processed event ids.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}
