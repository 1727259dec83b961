package plans

import (
	"errors"
	"strings"
)

// Tier is the subscription level that decides feature limits.
type Tier string

const (
	TierFree   Tier = "free"
	TierPro    Tier = "pro"
	TierClinic Tier = "clinic"
)

// Tiers lists every tier in catalog order.
var Tiers = []Tier{TierFree, TierPro, TierClinic}

var ErrInvalidTier = errors.New("invalid subscription tier")

// ParseTier accepts a tier name in any case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrInvalidTier
	}
	return t, nil
}

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierClinic:
		return true
	}
	return false
}

// Paid reports whether the tier is billed through the payment gateway.
func (t Tier) Paid() bool { return t == TierPro || t == TierClinic }

// Status of a subscription record.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusCancelled  Status = "cancelled"
	StatusPastDue    Status = "past_due"
	StatusTrialing   Status = "trialing"
	StatusIncomplete Status = "incomplete"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusCancelled, StatusPastDue, StatusTrialing, StatusIncomplete:
		return true
	}
	return false
}

// StatusFromGateway maps a payment-gateway subscription status onto the local set.
// Anything unknown is treated as inactive so it never grants entitlement.
func StatusFromGateway(raw string) Status {
	switch strings.ToLower(raw) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCancelled
	case "incomplete":
		return StatusIncomplete
	default:
		return StatusInactive
	}
}

// Unlimited is the sentinel used in limits and remaining counts.
const Unlimited = -1

// Limits are the per-tier quotas. Unlimited is always -1, never zero or absent.
type Limits struct {
	AIMessages           int `json:"aiMessages"`
	AppointmentsPerMonth int `json:"appointmentsPerMonth"`
}

// LimitsFor returns the quotas for a tier. Unknown tiers get free limits.
func LimitsFor(t Tier) Limits {
	switch t {
	case TierPro:
		return Limits{AIMessages: Unlimited, AppointmentsPerMonth: 10}
	case TierClinic:
		return Limits{AIMessages: Unlimited, AppointmentsPerMonth: Unlimited}
	default:
		return Limits{AIMessages: 3, AppointmentsPerMonth: 1}
	}
}
