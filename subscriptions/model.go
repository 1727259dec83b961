package subscriptions

import (
	"database/sql"
	"errors"
	"time"

	"telehealth-backend/plans"
)

var (
	ErrNotFound           = errors.New("subscription not found")
	ErrUserNotFound       = errors.New("User not found")
	ErrAlreadyOnPlan      = errors.New("User is already on this plan")
	ErrReasonRequired     = errors.New("a reason of at least 5 characters is required")
	ErrNoUsers            = errors.New("userIds must contain at least one user")
	ErrCannotCancelFree   = errors.New("free subscriptions cannot be cancelled")
	ErrPaymentFailed      = errors.New("Payment processing failed")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// ManualGrantTerm is how far out an admin-granted paid tier's endDate is set.
const ManualGrantTerm = 10 * 365 * 24 * time.Hour

// Record is the authoritative subscription state of one user.
type Record struct {
	ID                      int64        `json:"id"`
	UserID                  int64        `json:"userId"`
	Tier                    plans.Tier   `json:"tier"`
	Status                  plans.Status `json:"status"`
	Limits                  plans.Limits `json:"limits"`
	StartDate               time.Time    `json:"startDate"`
	EndDate                 *time.Time   `json:"endDate"`
	NextPaymentDate         *time.Time   `json:"nextPaymentDate"`
	LastPaymentDate         *time.Time   `json:"lastPaymentDate"`
	CancelledAt             *time.Time   `json:"cancelledAt"`
	CancelReason            string       `json:"cancelReason,omitempty"`
	AutoRenew               bool         `json:"autoRenew"`
	ManualOverride          bool         `json:"manualOverride"`
	ExternalCustomerRef     string       `json:"externalCustomerRef,omitempty"`
	ExternalSubscriptionRef string       `json:"externalSubscriptionRef,omitempty"`
	ExternalPriceRef        string       `json:"externalPriceRef,omitempty"`
	// PendingSubscriptionRef is a gateway subscription awaiting payment confirmation.
	PendingSubscriptionRef  string       `json:"pendingSubscriptionRef,omitempty"`
	LastModifiedBy          *int64       `json:"lastModifiedBy,omitempty"`
	LastModifiedAt          time.Time    `json:"lastModifiedAt"`
	LastModificationReason  string       `json:"lastModificationReason,omitempty"`
}

// Patch is a field-level write. Nil fields are left untouched; a NullTime
// with Valid=false clears the column.
type Patch struct {
	Tier                    *plans.Tier
	Status                  *plans.Status
	StartDate               *time.Time
	EndDate                 *sql.NullTime
	NextPaymentDate         *sql.NullTime
	LastPaymentDate         *sql.NullTime
	CancelledAt             *sql.NullTime
	CancelReason            *string
	AutoRenew               *bool
	ManualOverride          *bool
	ExternalCustomerRef     *string
	ExternalSubscriptionRef *string
	ExternalPriceRef        *string
	PendingSubscriptionRef  *string
	LastModifiedBy          *sql.NullInt64
	LastModifiedAt          *time.Time
	LastModificationReason  *string
}

func ptr[T any](v T) *T { return &v }

func setTime(t time.Time) *sql.NullTime { return &sql.NullTime{Time: t, Valid: true} }

func clearTime() *sql.NullTime { return &sql.NullTime{} }

func modifiedBy(id *int64) *sql.NullInt64 {
	if id == nil {
		return &sql.NullInt64{}
	}
	return &sql.NullInt64{Int64: *id, Valid: true}
}

// assignments returns SET fragments in a fixed column order.
func (p Patch) assignments() ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Tier != nil {
		add("tier", string(*p.Tier))
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.StartDate != nil {
		add("start_date", *p.StartDate)
	}
	if p.EndDate != nil {
		add("end_date", *p.EndDate)
	}
	if p.NextPaymentDate != nil {
		add("next_payment_date", *p.NextPaymentDate)
	}
	if p.LastPaymentDate != nil {
		add("last_payment_date", *p.LastPaymentDate)
	}
	if p.CancelledAt != nil {
		add("cancelled_at", *p.CancelledAt)
	}
	if p.CancelReason != nil {
		add("cancel_reason", *p.CancelReason)
	}
	if p.AutoRenew != nil {
		add("auto_renew", *p.AutoRenew)
	}
	if p.ManualOverride != nil {
		add("manual_override", *p.ManualOverride)
	}
	if p.ExternalCustomerRef != nil {
		add("external_customer_ref", *p.ExternalCustomerRef)
	}
	if p.ExternalSubscriptionRef != nil {
		add("external_subscription_ref", *p.ExternalSubscriptionRef)
	}
	if p.ExternalPriceRef != nil {
		add("external_price_ref", *p.ExternalPriceRef)
	}
	if p.PendingSubscriptionRef != nil {
		add("pending_subscription_ref", *p.PendingSubscriptionRef)
	}
	if p.LastModifiedBy != nil {
		add("last_modified_by", *p.LastModifiedBy)
	}
	if p.LastModifiedAt != nil {
		add("last_modified_at", *p.LastModifiedAt)
	}
	if p.LastModificationReason != nil {
		add("last_modification_reason", *p.LastModificationReason)
	}
	return sets, args
}

func nullTimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// ApplyTo mutates r the same way Update mutates the stored row.
func (p Patch) ApplyTo(r *Record) {
	if p.Tier != nil {
		r.Tier = *p.Tier
		r.Limits = plans.LimitsFor(r.Tier)
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.StartDate != nil {
		r.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		r.EndDate = nullTimePtr(*p.EndDate)
	}
	if p.NextPaymentDate != nil {
		r.NextPaymentDate = nullTimePtr(*p.NextPaymentDate)
	}
	if p.LastPaymentDate != nil {
		r.LastPaymentDate = nullTimePtr(*p.LastPaymentDate)
	}
	if p.CancelledAt != nil {
		r.CancelledAt = nullTimePtr(*p.CancelledAt)
	}
	if p.CancelReason != nil {
		r.CancelReason = *p.CancelReason
	}
	if p.AutoRenew != nil {
		r.AutoRenew = *p.AutoRenew
	}
	if p.ManualOverride != nil {
		r.ManualOverride = *p.ManualOverride
	}
	if p.ExternalCustomerRef != nil {
		r.ExternalCustomerRef = *p.ExternalCustomerRef
	}
	if p.ExternalSubscriptionRef != nil {
		r.ExternalSubscriptionRef = *p.ExternalSubscriptionRef
	}
	if p.ExternalPriceRef != nil {
		r.ExternalPriceRef = *p.ExternalPriceRef
	}
	if p.PendingSubscriptionRef != nil {
		r.PendingSubscriptionRef = *p.PendingSubscriptionRef
	}
	if p.LastModifiedBy != nil {
		if p.LastModifiedBy.Valid {
			id := p.LastModifiedBy.Int64
			r.LastModifiedBy = &id
		} else {
			r.LastModifiedBy = nil
		}
	}
	if p.LastModifiedAt != nil {
		r.LastModifiedAt = *p.LastModifiedAt
	}
	if p.LastModificationReason != nil {
		r.LastModificationReason = *p.LastModificationReason
	}
}

// Guard makes an Update conditional on the stored row. The zero Guard always matches.
type Guard struct {
	// NotNewerThan skips the write when the row was modified after this instant.
	NotNewerThan *time.Time
	Status       *plans.Status
	// EndedBy requires a non-null end_date at or before this instant.
	EndedBy *time.Time
	NotTier *plans.Tier
}

func (g Guard) conditions() ([]string, []any) {
	var conds []string
	var args []any
	if g.NotNewerThan != nil {
		conds = append(conds, "last_modified_at <= ?")
		args = append(args, *g.NotNewerThan)
	}
	if g.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*g.Status))
	}
	if g.EndedBy != nil {
		conds = append(conds, "end_date IS NOT NULL AND end_date <= ?")
		args = append(args, *g.EndedBy)
	}
	if g.NotTier != nil {
		conds = append(conds, "tier <> ?")
		args = append(args, string(*g.NotTier))
	}
	return conds, args
}

// Matches evaluates the guard against an in-memory record.
func (g Guard) Matches(r *Record) bool {
	if g.NotNewerThan != nil && r.LastModifiedAt.After(*g.NotNewerThan) {
		return false
	}
	if g.Status != nil && r.Status != *g.Status {
		return false
	}
	if g.EndedBy != nil && (r.EndDate == nil || r.EndDate.After(*g.EndedBy)) {
		return false
	}
	if g.NotTier != nil && r.Tier == *g.NotTier {
		return false
	}
	return true
}

// BillingEntry is one paid invoice.
type BillingEntry struct {
	UserID      int64     `json:"-"`
	InvoiceID   string    `json:"invoiceId"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	PaidAt      time.Time `json:"paymentDate"`
}

// UserFilter pages the admin user listing.
type UserFilter struct {
	Tier   plans.Tier
	Search string
	Limit  int
	Offset int
}

// UserSubscription is a user joined with their subscription record.
type UserSubscription struct {
	UserID       int64   `json:"userId"`
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	Role         string  `json:"role"`
	Subscription *Record `json:"subscription"`
}
