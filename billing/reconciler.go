package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"telehealth-backend/audit"
	"telehealth-backend/config"
	"telehealth-backend/logging"
	"telehealth-backend/metrics"
	"telehealth-backend/plans"
	"telehealth-backend/subscriptions"
	"telehealth-backend/users"
)

// Outcome is what Apply did with an event. Every outcome is a 200 for the gateway.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomePreserved  Outcome = "override_preserved"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeOutOfOrder Outcome = "out_of_order"
	OutcomeStale      Outcome = "stale_subscription"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved_user"
	OutcomeAwaiting   Outcome = "awaiting_payment"
)

const (
	webhookActor          = "billing-webhook"
	customerCacheSize     = 4096
	defaultGatewayTimeout = 10 * time.Second
)

type Store interface {
	Get(ctx context.Context, userID int64) (*subscriptions.Record, error)
	FindByCustomerRef(ctx context.Context, ref string) (*subscriptions.Record, error)
	Update(ctx context.Context, userID int64, p subscriptions.Patch, g subscriptions.Guard) (bool, error)
	InsertBillingEntry(ctx context.Context, e subscriptions.BillingEntry) (bool, error)
}

// Initializer creates a missing record. *subscriptions.Repository implements it.
type Initializer interface {
	Ensure(ctx context.Context, userID int64, now time.Time) (*subscriptions.Record, error)
}

type UserDirectory interface {
	Find(ctx context.Context, id int64) (*users.User, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) (*audit.Entry, error)
}

// Canceller ends a gateway subscription that a confirmed replacement superseded.
type Canceller interface {
	CancelSubscription(ctx context.Context, subscriptionRef, reason string) error
}

type ReconcilerDeps struct {
	Store          Store
	Init           Initializer
	Users          UserDirectory
	Audit          AuditRecorder
	Events         EventLog
	Prices         plans.PriceBook
	Gateway        Canceller
	GatewayTimeout time.Duration
	Policy         string
	Metrics        *metrics.Metrics
}

// Reconciler turns verified billing events into subscription writes. Every
// write re-derives absolute state from the payload and is guarded on
// lastModifiedAt, so replays and late deliveries never regress a record.
type Reconciler struct {
	store          Store
	init           Initializer
	users          UserDirectory
	audit          AuditRecorder
	events         EventLog
	prices         plans.PriceBook
	gateway        Canceller
	gatewayTimeout time.Duration
	preserve       bool
	metrics        *metrics.Metrics
	customers      *lru.Cache[string, int64]
	log            *logrus.Entry
}

func NewReconciler(d ReconcilerDeps) (*Reconciler, error) {
	cache, err := lru.New[string, int64](customerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("customer cache: %w", err)
	}
	timeout := d.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &Reconciler{
		store:          d.Store,
		init:           d.Init,
		users:          d.Users,
		audit:          d.Audit,
		events:         d.Events,
		prices:         d.Prices,
		gateway:        d.Gateway,
		gatewayTimeout: timeout,
		preserve:       d.Policy != config.OverrideGatewayWins,
		metrics:        d.Metrics,
		customers:      cache,
		log:            logging.For("billing"),
	}, nil
}

// Apply processes one event. An error means the event should be retried.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) (Outcome, error) {
	outcome, err := r.apply(ctx, ev)
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	r.metrics.WebhookEvent(ev.RawType, label)
	return outcome, err
}

func (r *Reconciler) apply(ctx context.Context, ev *Event) (Outcome, error) {
	fields := logrus.Fields{"event_id": ev.ID, "type": ev.RawType}
	if !ev.Type.Known() {
		r.log.WithFields(fields).Info("[billing][ignore] unhandled event type")
		return OutcomeIgnored, nil
	}
	if r.events != nil {
		seen, err := r.events.Seen(ctx, ev.ID)
		if err != nil {
			return "", fmt.Errorf("event log: %w", err)
		}
		if seen {
			r.log.WithFields(fields).Debug("[billing][dedup] already processed")
			return OutcomeDuplicate, nil
		}
	}

	rec, err := r.resolve(ctx, ev)
	if err != nil {
		return "", err
	}
	if rec == nil {
		r.log.WithFields(fields).WithField("customer", ev.CustomerRef).Warn("[billing][ignore] no local user for event")
		return OutcomeUnresolved, nil
	}
	fields["user_id"] = rec.UserID

	if ref := ev.subscriptionRef(); ref != "" && rec.ExternalSubscriptionRef != "" &&
		ref != rec.ExternalSubscriptionRef && ref != rec.PendingSubscriptionRef {
		r.log.WithFields(fields).WithFields(logrus.Fields{"event_sub": ref, "current_sub": rec.ExternalSubscriptionRef}).
			Info("[billing][skip] event for a replaced subscription")
		return r.done(ctx, ev, OutcomeStale)
	}

	var outcome Outcome
	switch ev.Type {
	case SubscriptionCreated, SubscriptionUpdated:
		outcome, err = r.subscriptionChanged(ctx, rec, ev)
	case SubscriptionDeleted:
		outcome, err = r.subscriptionDeleted(ctx, rec, ev)
	case PaymentSucceeded:
		outcome, err = r.paymentSucceeded(ctx, rec, ev)
	case PaymentFailed:
		outcome, err = r.paymentFailed(ctx, rec, ev)
	}
	if err != nil {
		r.log.WithError(err).WithFields(fields).Error("[billing][apply] failed")
		return "", err
	}
	r.log.WithFields(fields).WithField("outcome", outcome).Info("[billing][apply]")
	return r.done(ctx, ev, outcome)
}

// done marks the event processed. A failed mark is only logged: the guarded
// writes make a redelivery harmless.
func (r *Reconciler) done(ctx context.Context, ev *Event, o Outcome) (Outcome, error) {
	if r.events != nil {
		if err := r.events.Mark(ctx, ev.ID); err != nil {
			r.log.WithError(err).WithField("event_id", ev.ID).Warn("[billing][dedup] mark failed")
		}
	}
	return o, nil
}

// resolve finds the record by customer ref, falling back to the metadata user id.
// A nil record with a nil error means the event belongs to nobody we know.
func (r *Reconciler) resolve(ctx context.Context, ev *Event) (*subscriptions.Record, error) {
	if ev.CustomerRef != "" {
		if uid, ok := r.customers.Get(ev.CustomerRef); ok {
			rec, err := r.store.Get(ctx, uid)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, subscriptions.ErrNotFound) {
				return nil, err
			}
			r.customers.Remove(ev.CustomerRef)
		}
		rec, err := r.store.FindByCustomerRef(ctx, ev.CustomerRef)
		switch {
		case err == nil:
			r.customers.Add(ev.CustomerRef, rec.UserID)
			return rec, nil
		case !errors.Is(err, subscriptions.ErrNotFound):
			return nil, err
		}
	}
	if ev.UserIDHint == 0 {
		return nil, nil
	}
	if _, err := r.users.Find(ctx, ev.UserIDHint); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	// The record may not exist yet; its creation is stamped with the event
	// time so the event's own guarded write still applies.
	return r.init.Ensure(ctx, ev.UserIDHint, ev.Created)
}

// gatewayStatus maps the gateway status; a subscription set to end at the
// period end is already cancelled locally.
func gatewayStatus(s *SubscriptionData) plans.Status {
	st := plans.StatusFromGateway(s.Status)
	if s.CancelAtPeriodEnd && (st == plans.StatusActive || st == plans.StatusTrialing) {
		return plans.StatusCancelled
	}
	return st
}

func optTime(t time.Time) *sql.NullTime {
	if t.IsZero() {
		return &sql.NullTime{}
	}
	return &sql.NullTime{Time: t, Valid: true}
}

func strPtr(s string) *string { return &s }

// refsPatch only links the gateway objects to the record.
func (r *Reconciler) refsPatch(ev *Event, subRef, priceRef *string) subscriptions.Patch {
	p := subscriptions.Patch{
		ExternalSubscriptionRef: subRef,
		ExternalPriceRef:        priceRef,
		LastModifiedAt:          &ev.Created,
	}
	if ev.CustomerRef != "" {
		p.ExternalCustomerRef = strPtr(ev.CustomerRef)
	}
	return p
}

func (r *Reconciler) write(ctx context.Context, rec *subscriptions.Record, ev *Event, p subscriptions.Patch) (bool, error) {
	applied, err := r.store.Update(ctx, rec.UserID, p, subscriptions.Guard{NotNewerThan: &ev.Created})
	if err != nil {
		return false, err
	}
	if applied && ev.CustomerRef != "" {
		r.customers.Add(ev.CustomerRef, rec.UserID)
	}
	return applied, nil
}

func (r *Reconciler) outcome(applied bool, ok Outcome) Outcome {
	if !applied {
		return OutcomeOutOfOrder
	}
	return ok
}

// pendingRef reports whether the event concerns the replacement subscription
// an upgrade created but the customer has not paid for yet.
func pendingRef(rec *subscriptions.Record, ref string) bool {
	return ref != "" && ref == rec.PendingSubscriptionRef && ref != rec.ExternalSubscriptionRef
}

// entitles reports whether a gateway status grants the priced tier. Incomplete
// and unknown statuses leave the current tier in place until payment settles.
func entitles(st plans.Status) bool {
	switch st {
	case plans.StatusActive, plans.StatusTrialing, plans.StatusPastDue, plans.StatusCancelled:
		return true
	}
	return false
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, rec *subscriptions.Record, ev *Event) (Outcome, error) {
	s := ev.Subscription
	raw := plans.StatusFromGateway(s.Status)
	confirming := pendingRef(rec, s.Ref)
	if confirming && raw != plans.StatusActive && raw != plans.StatusTrialing {
		return r.pendingChanged(ctx, rec, ev, raw)
	}
	if !confirming && s.Ref != rec.ExternalSubscriptionRef {
		switch {
		case raw == plans.StatusCancelled:
			// Ended before it ever governed the record.
			return OutcomeIgnored, nil
		case !entitles(raw):
			return r.awaitPayment(ctx, rec, ev)
		}
	}
	if r.preserve && rec.ManualOverride && !confirming {
		applied, err := r.write(ctx, rec, ev, r.refsPatch(ev, strPtr(s.Ref), strPtr(s.PriceRef)))
		return r.outcome(applied, OutcomePreserved), err
	}

	tier := r.prices.TierFor(s.PriceRef)
	if !entitles(raw) {
		tier = rec.Tier
	}
	status := gatewayStatus(s)
	renewing := !s.CancelAtPeriodEnd && (status == plans.StatusActive || status == plans.StatusTrialing)
	note := "Stripe " + ev.RawType
	p := r.refsPatch(ev, strPtr(s.Ref), strPtr(s.PriceRef))
	p.Tier = &tier
	p.Status = &status
	p.AutoRenew = &renewing
	p.ManualOverride = new(bool)
	p.EndDate = optTime(s.CurrentPeriodEnd)
	p.NextPaymentDate = optTime(s.CurrentPeriodEnd)
	p.LastModifiedBy = &sql.NullInt64{}
	p.LastModificationReason = &note
	switch {
	case status == plans.StatusCancelled && rec.CancelledAt == nil:
		p.CancelledAt = optTime(ev.Created)
	case renewing:
		p.CancelledAt = &sql.NullTime{}
		p.CancelReason = strPtr("")
	}
	if confirming {
		p.PendingSubscriptionRef = strPtr("")
	}

	applied, err := r.write(ctx, rec, ev, p)
	if err != nil {
		return "", err
	}
	if applied && rec.Tier != tier {
		r.recordChange(ctx, rec.UserID, rec.Tier, tier, note, s.Ref)
	}
	if applied && confirming && rec.ExternalSubscriptionRef != "" {
		r.cancelSuperseded(ctx, rec.UserID, rec.ExternalSubscriptionRef, s.Ref)
	}
	return r.outcome(applied, OutcomeApplied), nil
}

// pendingChanged handles updates to an unpaid replacement. The current
// subscription keeps governing the record; a terminal status drops the pending ref.
func (r *Reconciler) pendingChanged(ctx context.Context, rec *subscriptions.Record, ev *Event, st plans.Status) (Outcome, error) {
	if st != plans.StatusCancelled {
		return OutcomeAwaiting, nil
	}
	return r.dropPending(ctx, rec, ev)
}

// awaitPayment links a new subscription that does not entitle anything yet.
// The record is not stamped, so the confirmation that follows still applies.
func (r *Reconciler) awaitPayment(ctx context.Context, rec *subscriptions.Record, ev *Event) (Outcome, error) {
	p := subscriptions.Patch{PendingSubscriptionRef: strPtr(ev.Subscription.Ref)}
	if ev.CustomerRef != "" && rec.ExternalCustomerRef != ev.CustomerRef {
		p.ExternalCustomerRef = strPtr(ev.CustomerRef)
	}
	if _, err := r.store.Update(ctx, rec.UserID, p, subscriptions.Guard{}); err != nil {
		return "", err
	}
	if ev.CustomerRef != "" {
		r.customers.Add(ev.CustomerRef, rec.UserID)
	}
	return OutcomeAwaiting, nil
}

func (r *Reconciler) dropPending(ctx context.Context, rec *subscriptions.Record, ev *Event) (Outcome, error) {
	_, err := r.store.Update(ctx, rec.UserID, subscriptions.Patch{PendingSubscriptionRef: strPtr("")}, subscriptions.Guard{})
	if err != nil {
		return "", err
	}
	r.log.WithFields(logrus.Fields{"user_id": rec.UserID, "subscription": ev.Subscription.Ref}).
		Info("[billing][pending] replacement subscription abandoned")
	return OutcomeIgnored, nil
}

// cancelSuperseded ends the subscription a confirmed replacement took over.
// A failure is logged; the old subscription's events are stale from now on.
func (r *Reconciler) cancelSuperseded(ctx context.Context, userID int64, oldRef, newRef string) {
	log := r.log.WithFields(logrus.Fields{"user_id": userID, "subscription": oldRef, "replacement": newRef})
	if r.gateway == nil {
		log.Warn("[billing][cancel] no gateway; superseded subscription left running")
		return
	}
	gctx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()
	err := r.gateway.CancelSubscription(gctx, oldRef, "Replaced by "+newRef)
	r.metrics.GatewayCall("cancel_subscription", err)
	if err != nil {
		log.WithError(err).Warn("[billing][cancel] superseded subscription not cancelled")
		return
	}
	log.Info("[billing][cancel] superseded subscription cancelled")
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, rec *subscriptions.Record, ev *Event) (Outcome, error) {
	if pendingRef(rec, ev.Subscription.Ref) {
		return r.dropPending(ctx, rec, ev)
	}
	if r.preserve && rec.ManualOverride {
		applied, err := r.write(ctx, rec, ev, r.refsPatch(ev, strPtr(""), strPtr("")))
		return r.outcome(applied, OutcomePreserved), err
	}
	free := plans.TierFree
	cancelled := plans.StatusCancelled
	note := "Stripe " + ev.RawType
	p := r.refsPatch(ev, strPtr(""), strPtr(""))
	p.Tier = &free
	p.Status = &cancelled
	p.AutoRenew = new(bool)
	p.ManualOverride = new(bool)
	p.CancelledAt = optTime(ev.Created)
	p.EndDate = &sql.NullTime{}
	p.NextPaymentDate = &sql.NullTime{}
	p.LastModifiedBy = &sql.NullInt64{}
	p.LastModificationReason = &note

	applied, err := r.write(ctx, rec, ev, p)
	if err != nil {
		return "", err
	}
	if applied && rec.Tier != free {
		r.recordChange(ctx, rec.UserID, rec.Tier, free, note, ev.Subscription.Ref)
	}
	return r.outcome(applied, OutcomeApplied), nil
}

// paymentSucceeded is idempotent on the invoice id and never changes the tier.
func (r *Reconciler) paymentSucceeded(ctx context.Context, rec *subscriptions.Record, ev *Event) (Outcome, error) {
	inv := ev.Invoice
	inserted, err := r.store.InsertBillingEntry(ctx, subscriptions.BillingEntry{
		UserID:      rec.UserID,
		InvoiceID:   inv.ID,
		AmountCents: inv.AmountCents,
		Currency:    inv.Currency,
		Status:      "paid",
		Description: inv.Description,
		DownloadURL: inv.URL,
		PaidAt:      inv.PaidAt,
	})
	if err != nil {
		return "", fmt.Errorf("billing history: %w", err)
	}
	if rec.LastPaymentDate == nil || rec.LastPaymentDate.Before(inv.PaidAt) {
		p := subscriptions.Patch{LastPaymentDate: optTime(inv.PaidAt)}
		if rec.ExternalCustomerRef == "" && ev.CustomerRef != "" {
			p.ExternalCustomerRef = strPtr(ev.CustomerRef)
		}
		if _, err := r.store.Update(ctx, rec.UserID, p, subscriptions.Guard{}); err != nil {
			return "", err
		}
	}
	if !inserted {
		r.log.WithFields(logrus.Fields{"user_id": rec.UserID, "invoice": inv.ID}).Debug("[billing][payment] invoice already recorded")
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, rec *subscriptions.Record, ev *Event) (Outcome, error) {
	if pendingRef(rec, ev.Invoice.SubscriptionRef) {
		return OutcomeAwaiting, nil
	}
	if r.preserve && rec.ManualOverride {
		applied, err := r.write(ctx, rec, ev, r.refsPatch(ev, nil, nil))
		return r.outcome(applied, OutcomePreserved), err
	}
	if rec.Status == plans.StatusCancelled {
		return OutcomeIgnored, nil
	}
	pastDue := plans.StatusPastDue
	note := "Stripe " + ev.RawType
	p := r.refsPatch(ev, nil, nil)
	p.Status = &pastDue
	p.LastModifiedBy = &sql.NullInt64{}
	p.LastModificationReason = &note
	applied, err := r.write(ctx, rec, ev, p)
	return r.outcome(applied, OutcomeApplied), err
}

// recordChange audits a tier transition made by the gateway. Failures never undo the write.
func (r *Reconciler) recordChange(ctx context.Context, userID int64, from, to plans.Tier, reason, paymentRef string) {
	r.metrics.PlanChange(string(audit.TypePayment), string(to))
	if r.audit == nil {
		return
	}
	e := audit.Entry{
		UserID:   userID,
		FromTier: from,
		ToTier:   to,
		Reason:   reason,
		Type:     audit.TypePayment,
		Metadata: audit.Metadata{PaymentRef: paymentRef},
	}
	e.SetActor(audit.SystemActor(webhookActor))
	if u, err := r.users.Find(ctx, userID); err == nil {
		e.UserName, e.UserEmail = u.Name, u.Email
	}
	if _, err := r.audit.Record(ctx, e); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "from": from, "to": to}).Warn("[billing][audit] entry not recorded")
	}
}
