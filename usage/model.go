package usage

import (
	"errors"
	"math"
	"strings"
	"time"

	"telehealth-backend/plans"
)

var (
	ErrNotFound      = errors.New("usage record not found")
	ErrInvalidPeriod = errors.New("period must be daily or monthly")
	ErrInvalidKind   = errors.New("unknown usage type")
	ErrInvalidAmount = errors.New("usage amount must be positive")
)

// Period is the granularity of a ledger bucket.
type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Periods is the order buckets are written in.
var Periods = []Period{Monthly, Daily}

// ParsePeriod defaults an empty value to monthly.
func ParsePeriod(s string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(s))) {
	case "", Monthly:
		return Monthly, nil
	case Daily:
		return Daily, nil
	}
	return "", ErrInvalidPeriod
}

// DateKey is the bucket identity for p at t, computed in UTC.
func DateKey(p Period, t time.Time) string {
	t = t.UTC()
	if p == Daily {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01")
}

// PeriodStart is the first instant of the bucket containing t.
func PeriodStart(p Period, t time.Time) time.Time {
	t = t.UTC()
	if p == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Kind is a metered action recorded after it succeeded.
type Kind string

const (
	AIConsultationMessage Kind = "aiConsultationMessage"
	SymptomCheckerMessage Kind = "symptomCheckerMessage"
	AIConsultationSession Kind = "aiConsultationSession"
	SymptomCheckerSession Kind = "symptomCheckerSession"
	AppointmentBooked     Kind = "appointmentBooked"
	PrescriptionViewed    Kind = "prescriptionViewed"
)

// Delta is one atomic column increment.
type Delta struct {
	Column string
	Amount int
}

// deltas maps a kind to the counter columns it bumps. AI messages also bump
// total_ai_messages so the total stays the sum of both AI counters.
func (k Kind) deltas(amount, seconds int) ([]Delta, error) {
	var out []Delta
	switch k {
	case AIConsultationMessage:
		out = []Delta{{"ai_consultation_messages", amount}, {"total_ai_messages", amount}}
		if seconds > 0 {
			out = append(out, Delta{"ai_consultation_time", seconds})
		}
	case SymptomCheckerMessage:
		out = []Delta{{"symptom_checker_messages", amount}, {"total_ai_messages", amount}}
		if seconds > 0 {
			out = append(out, Delta{"symptom_checker_time", seconds})
		}
	case AIConsultationSession:
		out = []Delta{{"ai_consultation_sessions", amount}}
	case SymptomCheckerSession:
		out = []Delta{{"symptom_checker_sessions", amount}}
	case AppointmentBooked:
		out = []Delta{{"appointments_booked", amount}}
	case PrescriptionViewed:
		out = []Delta{{"prescriptions_viewed", amount}}
	default:
		return nil, ErrInvalidKind
	}
	return out, nil
}

// Counters are the metered totals of one bucket. Times are seconds.
type Counters struct {
	AIConsultationMessages int `json:"aiConsultationMessages"`
	SymptomCheckerMessages int `json:"symptomCheckerMessages"`
	TotalAIMessages        int `json:"totalAIMessages"`
	AIConsultationSessions int `json:"aiConsultationSessions"`
	SymptomCheckerSessions int `json:"symptomCheckerSessions"`
	AIConsultationTime     int `json:"aiConsultationTime"`
	SymptomCheckerTime     int `json:"symptomCheckerTime"`
	AppointmentsBooked     int `json:"appointmentsBooked"`
	PrescriptionsViewed    int `json:"prescriptionsViewed"`
}

// Add applies deltas in memory, matching what the store does in SQL.
func (c *Counters) Add(ds []Delta) {
	for _, d := range ds {
		switch d.Column {
		case "ai_consultation_messages":
			c.AIConsultationMessages += d.Amount
		case "symptom_checker_messages":
			c.SymptomCheckerMessages += d.Amount
		case "total_ai_messages":
			c.TotalAIMessages += d.Amount
		case "ai_consultation_sessions":
			c.AIConsultationSessions += d.Amount
		case "symptom_checker_sessions":
			c.SymptomCheckerSessions += d.Amount
		case "ai_consultation_time":
			c.AIConsultationTime += d.Amount
		case "symptom_checker_time":
			c.SymptomCheckerTime += d.Amount
		case "appointments_booked":
			c.AppointmentsBooked += d.Amount
		case "prescriptions_viewed":
			c.PrescriptionsViewed += d.Amount
		}
	}
}

// Entry is one ledger bucket. LimitsInEffect and SubscriptionTier are frozen
// at creation.
type Entry struct {
	ID               string       `json:"id"`
	UserID           int64        `json:"userId"`
	Period           Period       `json:"period"`
	DateKey          string       `json:"dateKey"`
	PeriodStart      time.Time    `json:"date"`
	Usage            Counters     `json:"usage"`
	SubscriptionTier plans.Tier   `json:"subscriptionTier"`
	LimitsInEffect   plans.Limits `json:"limitsInEffect"`
	LastReset        time.Time    `json:"lastReset"`
}

// Remaining is what is left in the bucket; -1 means unlimited.
type Remaining struct {
	AIMessages   int `json:"aiMessages"`
	Appointments int `json:"appointments"`
}

func remaining(limit, used int) int {
	if limit == plans.Unlimited {
		return plans.Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

func (e *Entry) free() bool { return e.SubscriptionTier == plans.TierFree }

// Remaining is derived on read. Paid tiers report unlimited AI messages.
func (e *Entry) Remaining() Remaining {
	if !e.free() {
		return Remaining{
			AIMessages:   plans.Unlimited,
			Appointments: remaining(e.LimitsInEffect.AppointmentsPerMonth, e.Usage.AppointmentsBooked),
		}
	}
	return Remaining{
		AIMessages:   remaining(e.LimitsInEffect.AIMessages, e.Usage.TotalAIMessages),
		Appointments: remaining(e.LimitsInEffect.AppointmentsPerMonth, e.Usage.AppointmentsBooked),
	}
}

// HasExceededLimits only applies to free buckets and only counts AI messages.
func (e *Entry) HasExceededLimits() bool {
	if !e.free() || e.LimitsInEffect.AIMessages == plans.Unlimited {
		return false
	}
	return e.Usage.TotalAIMessages >= e.LimitsInEffect.AIMessages
}

// UsagePercentage is the AI message share of the limit, capped at 100.
func (e *Entry) UsagePercentage() float64 {
	return percentage(e.free(), e.Usage.TotalAIMessages, e.LimitsInEffect.AIMessages)
}

func percentage(free bool, used, limit int) float64 {
	if !free || limit <= 0 {
		return 0
	}
	return math.Min(100, float64(used)/float64(limit)*100)
}

// View is the read model returned by the usage API.
type View struct {
	Usage             Counters     `json:"usage"`
	Limits            plans.Limits `json:"limits"`
	Remaining         Remaining    `json:"remaining"`
	Percentage        float64      `json:"percentage"`
	HasExceededLimits bool         `json:"hasExceededLimits"`
	Period            Period       `json:"period"`
	DateKey           string       `json:"dateKey"`
}

func (e *Entry) View() View {
	return View{
		Usage:             e.Usage,
		Limits:            e.LimitsInEffect,
		Remaining:         e.Remaining(),
		Percentage:        e.UsagePercentage(),
		HasExceededLimits: e.HasExceededLimits(),
		Period:            e.Period,
		DateKey:           e.DateKey,
	}
}

// Summary backs the dashboard widget.
type Summary struct {
	SubscriptionTier  plans.Tier   `json:"subscriptionTier"`
	CurrentUsage      UsedCounts   `json:"currentUsage"`
	Limits            plans.Limits `json:"limits"`
	Remaining         Remaining    `json:"remaining"`
	UsagePercentage   Percentages  `json:"usagePercentage"`
	HasUnlimitedUsage bool         `json:"hasUnlimitedUsage"`
	NeedsUpgrade      bool         `json:"needsUpgrade"`
}

type UsedCounts struct {
	AIMessages   int `json:"aiMessages"`
	Appointments int `json:"appointments"`
}

type Percentages struct {
	AIMessages   float64 `json:"aiMessages"`
	Appointments float64 `json:"appointments"`
}

// TierUsage aggregates buckets per tier and dateKey.
type TierUsage struct {
	Tier              plans.Tier `json:"tier"`
	DateKey           string     `json:"dateKey"`
	TotalUsers        int        `json:"totalUsers"`
	TotalAIMessages   int        `json:"totalAIMessages"`
	TotalAppointments int        `json:"totalAppointments"`
	AvgAIMessages     float64    `json:"avgAIMessages"`
	AvgAppointments   float64    `json:"avgAppointments"`
}

// TierTotals aggregates buckets per tier over the whole window.
type TierTotals struct {
	Tier                   plans.Tier `json:"tier"`
	UniqueUsers            int        `json:"uniqueUsers"`
	TotalAIMessages        int        `json:"totalAIMessages"`
	TotalAppointments      int        `json:"totalAppointments"`
	AvgAIMessagesPerUser   float64    `json:"avgAIMessagesPerUser"`
	AvgAppointmentsPerUser float64    `json:"avgAppointmentsPerUser"`
}

type TopUser struct {
	UserID            int64      `json:"userId"`
	UserName          string     `json:"userName"`
	UserEmail         string     `json:"userEmail"`
	SubscriptionTier  plans.Tier `json:"subscriptionTier"`
	TotalAIMessages   int        `json:"totalAIMessages"`
	TotalAppointments int        `json:"totalAppointments"`
}

// Analytics is the admin usage report for a window.
type Analytics struct {
	Period           Period       `json:"period"`
	From             time.Time    `json:"startDate"`
	To               time.Time    `json:"endDate"`
	UsageStatistics  []TierUsage  `json:"usageStatistics"`
	TierDistribution []TierTotals `json:"tierDistribution"`
	TopUsers         []TopUser    `json:"topUsers"`
}
