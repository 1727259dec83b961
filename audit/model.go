package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"telehealth-backend/plans"
)

// ChangeType classifies why a tier changed.
type ChangeType string

const (
	TypeManual    ChangeType = "manual"
	TypePayment   ChangeType = "payment"
	TypeSystem    ChangeType = "system"
	TypeBulk      ChangeType = "bulk"
	TypePromotion ChangeType = "promotion"
)

func (t ChangeType) Valid() bool {
	switch t {
	case TypeManual, TypePayment, TypeSystem, TypeBulk, TypePromotion:
		return true
	}
	return false
}

// ActorKind says which of the three writers made a change.
type ActorKind string

const (
	ActorSelf   ActorKind = "self"
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

// Actor identifies who changed a subscription.
type Actor struct {
	ID   *int64
	Name string
	Kind ActorKind
}

func UserActor(id int64, name string) Actor {
	return Actor{ID: &id, Name: name, Kind: ActorSelf}
}

func AdminActor(id int64, name string) Actor {
	return Actor{ID: &id, Name: name, Kind: ActorAdmin}
}

func SystemActor(name string) Actor {
	return Actor{Name: name, Kind: ActorSystem}
}

const (
	MinManualReasonLen = 5
	MaxReasonLen       = 500
)

var (
	ErrNoopTransition  = errors.New("fromTier and toTier must differ")
	ErrReasonTooShort  = fmt.Errorf("reason must be at least %d characters", MinManualReasonLen)
	ErrReasonTooLong   = fmt.Errorf("reason must be at most %d characters", MaxReasonLen)
	ErrInvalidType     = errors.New("invalid change type")
	ErrInvalidTier     = errors.New("invalid tier in plan change")
	ErrMissingUser     = errors.New("plan change requires a user id")
	ErrMissingChangeBy = errors.New("plan change requires changedBy")
)

type Metadata struct {
	IPAddress       string `json:"ipAddress,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
	PaymentRef      string `json:"paymentRef,omitempty"`
	BulkOperationID string `json:"bulkOperationId,omitempty"`
}

// Entry is one immutable plan-change record.
type Entry struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"userId"`
	UserName      string     `json:"userName"`
	UserEmail     string     `json:"userEmail"`
	FromTier      plans.Tier `json:"fromTier"`
	ToTier        plans.Tier `json:"toTier"`
	ChangedBy     string     `json:"changedBy"`
	ChangedByID   *int64     `json:"changedById,omitempty"`
	ChangedByKind ActorKind  `json:"changedByKind"`
	Reason        string     `json:"reason"`
	Type          ChangeType `json:"type"`
	Timestamp     time.Time  `json:"timestamp"`
	Metadata      Metadata   `json:"metadata"`
}

// SetActor copies the actor identity onto the entry.
func (e *Entry) SetActor(a Actor) {
	e.ChangedBy = a.Name
	e.ChangedByID = a.ID
	e.ChangedByKind = a.Kind
}

// Validate enforces the append-time rules. A no-op transition is an error.
func (e *Entry) Validate() error {
	if e.UserID == 0 {
		return ErrMissingUser
	}
	if !e.FromTier.Valid() || !e.ToTier.Valid() {
		return ErrInvalidTier
	}
	if e.FromTier == e.ToTier {
		return ErrNoopTransition
	}
	if !e.Type.Valid() {
		return ErrInvalidType
	}
	if strings.TrimSpace(e.ChangedBy) == "" {
		return ErrMissingChangeBy
	}
	reason := strings.TrimSpace(e.Reason)
	if utf8.RuneCountInString(reason) > MaxReasonLen {
		return ErrReasonTooLong
	}
	if (e.Type == TypeManual || e.Type == TypeBulk) && utf8.RuneCountInString(reason) < MinManualReasonLen {
		return ErrReasonTooShort
	}
	return nil
}

// Query filters history reads. Zero values mean "any".
type Query struct {
	UserID  int64
	ActorID int64
	Type    ChangeType
	Since   time.Time
	Limit   int
	Offset  int
}

// StatRow is one group of the transition breakdown.
type StatRow struct {
	Type        ChangeType `json:"type"`
	FromTier    plans.Tier `json:"fromTier"`
	ToTier      plans.Tier `json:"toTier"`
	Count       int        `json:"count"`
	UniqueUsers int        `json:"uniqueUsers"`
}
