package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"telehealth-backend/audit"
	"telehealth-backend/logging"
	"telehealth-backend/metrics"
	"telehealth-backend/plans"
	"telehealth-backend/users"
)

// Store is the persistence the service needs. *Repository implements it.
type Store interface {
	Ensure(ctx context.Context, userID int64, now time.Time) (*Record, error)
	Get(ctx context.Context, userID int64) (*Record, error)
	Update(ctx context.Context, userID int64, p Patch, g Guard) (bool, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]Record, error)
	TierCounts(ctx context.Context) (map[plans.Tier]int, error)
	ManualOverrideCount(ctx context.Context) (int, error)
	ListWithUsers(ctx context.Context, f UserFilter) ([]UserSubscription, int, error)
	BillingHistory(ctx context.Context, userID int64, limit int) ([]BillingEntry, error)
}

type UserDirectory interface {
	Find(ctx context.Context, id int64) (*users.User, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) (*audit.Entry, error)
}

type ServiceDeps struct {
	Store          Store
	Users          UserDirectory
	Audit          AuditRecorder
	Gateway        Gateway
	Prices         plans.PriceBook
	Clock          clockwork.Clock
	GatewayTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Service applies self-service, admin and system transitions to subscription records.
type Service struct {
	store          Store
	users          UserDirectory
	audit          AuditRecorder
	gateway        Gateway
	prices         plans.PriceBook
	clock          clockwork.Clock
	gatewayTimeout time.Duration
	metrics        *metrics.Metrics
	log            *logrus.Entry
}

const (
	lapsedBatchSize    = 500
	bulkConcurrency    = 4
	defaultCancelNote  = "User requested cancellation"
	expiryActorName    = "expiry-sweep"
	defaultGatewayWait = 10 * time.Second
)

func NewService(d ServiceDeps) *Service {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.GatewayTimeout <= 0 {
		d.GatewayTimeout = defaultGatewayWait
	}
	return &Service{
		store:          d.Store,
		users:          d.Users,
		audit:          d.Audit,
		gateway:        d.Gateway,
		prices:         d.Prices,
		clock:          d.Clock,
		gatewayTimeout: d.GatewayTimeout,
		metrics:        d.Metrics,
		log:            logging.For("subscriptions"),
	}
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// Current returns the user's record, creating the free default on first access.
func (s *Service) Current(ctx context.Context, userID int64) (*Record, error) {
	return s.store.Ensure(ctx, userID, s.now())
}

// CurrentTier is the tier the quota gate and ledger snapshot read.
func (s *Service) CurrentTier(ctx context.Context, userID int64) (plans.Tier, error) {
	rec, err := s.Current(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.Tier, nil
}

func (s *Service) findUser(ctx context.Context, userID int64) (*users.User, error) {
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

// recordChange appends the audit entry for a tier transition. Failures are
// logged and never undo the state change.
func (s *Service) recordChange(ctx context.Context, u *users.User, from, to plans.Tier, actor audit.Actor, typ audit.ChangeType, reason string, meta audit.Metadata) {
	e := audit.Entry{
		UserID:    u.ID,
		UserName:  u.Name,
		UserEmail: u.Email,
		FromTier:  from,
		ToTier:    to,
		Reason:    reason,
		Type:      typ,
		Metadata:  meta,
	}
	e.SetActor(actor)
	s.metrics.PlanChange(string(typ), string(to))
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, e); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"user_id": u.ID, "from": from, "to": to, "type": typ}).Warn("[subscriptions][audit] entry not recorded")
	}
}

// ChangeRequest is a self-service tier change.
type ChangeRequest struct {
	UserID           int64
	Tier             string
	PaymentMethodRef string
	Metadata         audit.Metadata
}

type ChangeResult struct {
	Tier         plans.Tier `json:"tier"`
	Changed      bool       `json:"changed"`
	Pending      bool       `json:"pending"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	Message      string     `json:"message"`
	Record       *Record    `json:"subscription"`
}

// ChangeTier handles the user's own upgrade or downgrade.
func (s *Service) ChangeTier(ctx context.Context, req ChangeRequest) (*ChangeResult, error) {
	tier, err := plans.ParseTier(req.Tier)
	if err != nil {
		return nil, err
	}
	u, err := s.findUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Ensure(ctx, u.ID, s.now())
	if err != nil {
		return nil, err
	}
	if tier == rec.Tier && (rec.Status == plans.StatusActive || rec.Status == plans.StatusTrialing) {
		return &ChangeResult{Tier: tier, Message: "Subscription unchanged", Record: rec}, nil
	}
	if !tier.Paid() {
		return s.downgradeToFree(ctx, u, rec, req.Metadata)
	}
	return s.upgrade(ctx, u, rec, tier, req)
}

func (s *Service) cancelAtGateway(ctx context.Context, ref, reason string) error {
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	err := s.gateway.CancelSubscription(gctx, ref, reason)
	s.metrics.GatewayCall("cancel_subscription", err)
	return err
}

func (s *Service) downgradeToFree(ctx context.Context, u *users.User, rec *Record, meta audit.Metadata) (*ChangeResult, error) {
	if rec.ExternalSubscriptionRef != "" && !rec.ManualOverride && rec.Status != plans.StatusCancelled {
		if err := s.cancelAtGateway(ctx, rec.ExternalSubscriptionRef, "Downgraded to free"); err != nil {
			s.log.WithError(err).WithField("user_id", u.ID).Error("[subscriptions][downgrade] gateway cancel failed")
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}
	now := s.now()
	reason := "Self-service downgrade to free"
	p := Patch{
		Tier:                    ptr(plans.TierFree),
		Status:                  ptr(plans.StatusActive),
		EndDate:                 clearTime(),
		NextPaymentDate:         clearTime(),
		AutoRenew:               ptr(false),
		ManualOverride:          ptr(false),
		ExternalSubscriptionRef: ptr(""),
		ExternalPriceRef:        ptr(""),
		PendingSubscriptionRef:  ptr(""),
		LastModifiedBy:          modifiedBy(&u.ID),
		LastModifiedAt:          &now,
		LastModificationReason:  &reason,
	}
	if _, err := s.store.Update(ctx, u.ID, p, Guard{}); err != nil {
		return nil, err
	}
	from := rec.Tier
	p.ApplyTo(rec)
	if from != plans.TierFree {
		s.recordChange(ctx, u, from, plans.TierFree, audit.UserActor(u.ID, u.Name), audit.TypeSystem, reason, meta)
	}
	s.log.WithFields(logrus.Fields{"user_id": u.ID, "from": from}).Info("[subscriptions][downgrade] now free")
	return &ChangeResult{Tier: plans.TierFree, Changed: true, Message: "Subscription updated to free", Record: rec}, nil
}

func (s *Service) upgrade(ctx context.Context, u *users.User, rec *Record, tier plans.Tier, req ChangeRequest) (*ChangeResult, error) {
	price, _ := s.prices.PriceFor(tier)
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	res, err := s.gateway.CreateSubscription(gctx, CheckoutRequest{
		UserID:           u.ID,
		Email:            u.Email,
		Name:             u.Name,
		Tier:             tier,
		PriceRef:         price,
		CustomerRef:      rec.ExternalCustomerRef,
		PaymentMethodRef: req.PaymentMethodRef,
	})
	cancel()
	s.metrics.GatewayCall("create_subscription", err)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"user_id": u.ID, "tier": tier}).Error("[subscriptions][upgrade] gateway failed")
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	if !res.Confirmed() {
		// Tier and status stay put until the gateway confirms via webhook. The
		// new subscription is remembered so its confirmation is not taken as stale.
		p := Patch{}
		if res.CustomerRef != "" && res.CustomerRef != rec.ExternalCustomerRef {
			p.ExternalCustomerRef = ptr(res.CustomerRef)
		}
		if res.SubscriptionRef != "" && res.SubscriptionRef != rec.PendingSubscriptionRef {
			p.PendingSubscriptionRef = ptr(res.SubscriptionRef)
		}
		if p.ExternalCustomerRef != nil || p.PendingSubscriptionRef != nil {
			if _, err := s.store.Update(ctx, u.ID, p, Guard{}); err != nil {
				return nil, err
			}
			p.ApplyTo(rec)
		}
		s.log.WithFields(logrus.Fields{"user_id": u.ID, "tier": tier, "status": res.Status, "subscription": res.SubscriptionRef}).
			Info("[subscriptions][upgrade] pending payment")
		return &ChangeResult{
			Tier:         rec.Tier,
			Pending:      true,
			ClientSecret: res.ClientSecret,
			Message:      "Payment confirmation required",
			Record:       rec,
		}, nil
	}

	now := s.now()
	reason := "Self-service upgrade to " + string(tier)
	p := Patch{
		Tier:                    ptr(tier),
		Status:                  ptr(plans.StatusFromGateway(res.Status)),
		StartDate:               &now,
		EndDate:                 setTime(res.CurrentPeriodEnd),
		NextPaymentDate:         setTime(res.CurrentPeriodEnd),
		CancelledAt:             clearTime(),
		CancelReason:            ptr(""),
		AutoRenew:               ptr(true),
		ManualOverride:          ptr(false),
		ExternalCustomerRef:     ptr(res.CustomerRef),
		ExternalSubscriptionRef: ptr(res.SubscriptionRef),
		ExternalPriceRef:        ptr(res.PriceRef),
		PendingSubscriptionRef:  ptr(""),
		LastModifiedBy:          modifiedBy(&u.ID),
		LastModifiedAt:          &now,
		LastModificationReason:  &reason,
	}
	if _, err := s.store.Update(ctx, u.ID, p, Guard{}); err != nil {
		return nil, err
	}
	from, oldRef := rec.Tier, rec.ExternalSubscriptionRef
	p.ApplyTo(rec)
	if oldRef != "" && oldRef != res.SubscriptionRef {
		if err := s.cancelAtGateway(ctx, oldRef, "Replaced by "+string(tier)); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"user_id": u.ID, "subscription": oldRef}).Warn("[subscriptions][upgrade] previous subscription not cancelled")
		}
	}
	if from != tier {
		meta := req.Metadata
		meta.PaymentRef = res.SubscriptionRef
		s.recordChange(ctx, u, from, tier, audit.UserActor(u.ID, u.Name), audit.TypePayment, reason, meta)
	}
	s.log.WithFields(logrus.Fields{"user_id": u.ID, "from": from, "tier": tier}).Info("[subscriptions][upgrade] confirmed")
	return &ChangeResult{Tier: tier, Changed: true, Message: "Subscription updated to " + string(tier), Record: rec}, nil
}

// Cancel stops renewal. The tier is kept until endDate; the expiry sweep downgrades afterwards.
func (s *Service) Cancel(ctx context.Context, userID int64, reason string) (*Record, error) {
	rec, err := s.store.Ensure(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	if rec.Tier == plans.TierFree {
		return nil, ErrCannotCancelFree
	}
	if rec.Status == plans.StatusCancelled {
		return rec, nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelNote
	}
	if utf8.RuneCountInString(reason) > audit.MaxReasonLen {
		reason = string([]rune(reason)[:audit.MaxReasonLen])
	}
	if rec.ExternalSubscriptionRef != "" && !rec.ManualOverride {
		if err := s.cancelAtGateway(ctx, rec.ExternalSubscriptionRef, reason); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Error("[subscriptions][cancel] gateway cancel failed")
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}
	now := s.now()
	end := now
	switch {
	case rec.NextPaymentDate != nil:
		end = *rec.NextPaymentDate
	case rec.EndDate != nil && !rec.ManualOverride:
		end = *rec.EndDate
	}
	note := "Cancelled: " + reason
	p := Patch{
		Status:                 ptr(plans.StatusCancelled),
		AutoRenew:              ptr(false),
		CancelledAt:            setTime(now),
		CancelReason:           &reason,
		EndDate:                setTime(end),
		LastModifiedBy:         modifiedBy(&userID),
		LastModifiedAt:         &now,
		LastModificationReason: &note,
	}
	if _, err := s.store.Update(ctx, userID, p, Guard{}); err != nil {
		return nil, err
	}
	p.ApplyTo(rec)
	s.log.WithFields(logrus.Fields{"user_id": userID, "tier": rec.Tier, "ends": end}).Info("[subscriptions][cancel] scheduled")
	return rec, nil
}

// AdminChangeRequest is a manual override by an administrator.
type AdminChangeRequest struct {
	Admin    audit.Actor
	UserID   int64
	NewTier  string
	Reason   string
	Type     audit.ChangeType
	Metadata audit.Metadata
}

type AdminChangeResult struct {
	UserID    int64      `json:"userId"`
	UserName  string     `json:"userName"`
	UserEmail string     `json:"userEmail"`
	OldTier   plans.Tier `json:"oldTier"`
	NewTier   plans.Tier `json:"newTier"`
	Record    *Record    `json:"subscription"`
}

func validReason(reason string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(reason)) >= audit.MinManualReasonLen
}

// AdminChange grants or removes a tier without billing.
func (s *Service) AdminChange(ctx context.Context, req AdminChangeRequest) (*AdminChangeResult, error) {
	tier, err := plans.ParseTier(req.NewTier)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if !validReason(reason) {
		return nil, ErrReasonRequired
	}
	if utf8.RuneCountInString(reason) > audit.MaxReasonLen {
		return nil, audit.ErrReasonTooLong
	}
	if req.Type == "" {
		req.Type = audit.TypeManual
	}
	u, err := s.findUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	rec, err := s.store.Ensure(ctx, u.ID, now)
	if err != nil {
		return nil, err
	}
	if rec.Tier == tier {
		return nil, ErrAlreadyOnPlan
	}
	p := Patch{
		Tier:                   ptr(tier),
		Status:                 ptr(plans.StatusActive),
		NextPaymentDate:        clearTime(),
		LastModifiedBy:         modifiedBy(req.Admin.ID),
		LastModifiedAt:         &now,
		LastModificationReason: &reason,
	}
	if tier.Paid() {
		p.ManualOverride = ptr(true)
		p.EndDate = setTime(now.Add(ManualGrantTerm))
		p.CancelledAt = clearTime()
		p.CancelReason = ptr("")
		p.AutoRenew = ptr(false)
	} else {
		p.ManualOverride = ptr(false)
		p.EndDate = clearTime()
	}
	if _, err := s.store.Update(ctx, u.ID, p, Guard{}); err != nil {
		return nil, err
	}
	from := rec.Tier
	p.ApplyTo(rec)
	s.recordChange(ctx, u, from, tier, req.Admin, req.Type, reason, req.Metadata)
	s.log.WithFields(logrus.Fields{"user_id": u.ID, "from": from, "to": tier, "admin": req.Admin.Name}).Info("[subscriptions][admin] plan changed")
	return &AdminChangeResult{UserID: u.ID, UserName: u.Name, UserEmail: u.Email, OldTier: from, NewTier: tier, Record: rec}, nil
}

// BulkChangeRequest applies one admin change to many users.
type BulkChangeRequest struct {
	Admin    audit.Actor
	UserIDs  []int64
	NewTier  string
	Reason   string
	Metadata audit.Metadata
}

type BulkItem struct {
	UserID   int64      `json:"userId"`
	Success  bool       `json:"success"`
	UserName string     `json:"userName,omitempty"`
	OldTier  plans.Tier `json:"oldTier,omitempty"`
	NewTier  plans.Tier `json:"newTier,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type BulkSummary struct {
	SuccessCount int `json:"successCount"`
	FailCount    int `json:"failCount"`
	Total        int `json:"total"`
}

type BulkResult struct {
	OperationID string      `json:"operationId"`
	Results     []BulkItem  `json:"results"`
	Summary     BulkSummary `json:"summary"`
}

func bulkError(err error) string {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return "User not found"
	case errors.Is(err, ErrAlreadyOnPlan):
		return "Already on this plan"
	default:
		return err.Error()
	}
}

// BulkAdminChange never aborts on a single user's failure.
func (s *Service) BulkAdminChange(ctx context.Context, req BulkChangeRequest) (*BulkResult, error) {
	if _, err := plans.ParseTier(req.NewTier); err != nil {
		return nil, err
	}
	if !validReason(req.Reason) {
		return nil, ErrReasonRequired
	}
	ids, invalid := dedupe(req.UserIDs)
	if len(ids)+len(invalid) == 0 {
		return nil, ErrNoUsers
	}
	opID := uuid.NewString()
	meta := req.Metadata
	meta.BulkOperationID = opID
	reason := "Bulk change: " + strings.TrimSpace(req.Reason)

	results := make([]BulkItem, len(ids), len(ids)+len(invalid))
	var mu sync.Mutex
	var summary BulkSummary
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			item := BulkItem{UserID: id}
			res, err := s.AdminChange(gctx, AdminChangeRequest{
				Admin:    req.Admin,
				UserID:   id,
				NewTier:  req.NewTier,
				Reason:   reason,
				Type:     audit.TypeBulk,
				Metadata: meta,
			})
			if err != nil {
				item.Error = bulkError(err)
			} else {
				item.Success = true
				item.UserName, item.OldTier, item.NewTier = res.UserName, res.OldTier, res.NewTier
			}
			results[i] = item
			mu.Lock()
			if item.Success {
				summary.SuccessCount++
			} else {
				summary.FailCount++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	for _, id := range invalid {
		results = append(results, BulkItem{UserID: id, Error: bulkError(ErrUserNotFound)})
		summary.FailCount++
	}
	summary.Total = len(results)
	s.log.WithFields(logrus.Fields{
		"operation": opID, "tier": req.NewTier, "ok": summary.SuccessCount, "failed": summary.FailCount,
	}).Info("[subscriptions][bulk] done")
	return &BulkResult{OperationID: opID, Results: results, Summary: summary}, nil
}

// dedupe keeps the first occurrence of each valid id. Ids that cannot name a
// user are returned separately so they are reported rather than dropped.
func dedupe(ids []int64) (valid, invalid []int64) {
	seen := make(map[int64]bool, len(ids))
	valid = make([]int64, 0, len(ids))
	for _, id := range ids {
		switch {
		case id <= 0:
			invalid = append(invalid, id)
		case !seen[id]:
			seen[id] = true
			valid = append(valid, id)
		}
	}
	return valid, invalid
}

// ExpireLapsed downgrades cancelled paid records whose end date has passed.
// Each write is conditional, so a resubscribe between list and update wins.
func (s *Service) ExpireLapsed(ctx context.Context) (int, error) {
	now := s.now()
	lapsed, err := s.store.ListLapsed(ctx, now, lapsedBatchSize)
	if err != nil {
		return 0, err
	}
	var errs []error
	expired := 0
	reason := "Subscription period ended"
	for _, rec := range lapsed {
		p := Patch{
			Tier:                    ptr(plans.TierFree),
			EndDate:                 clearTime(),
			NextPaymentDate:         clearTime(),
			AutoRenew:               ptr(false),
			ManualOverride:          ptr(false),
			ExternalSubscriptionRef: ptr(""),
			ExternalPriceRef:        ptr(""),
			LastModifiedBy:          modifiedBy(nil),
			LastModifiedAt:          &now,
			LastModificationReason:  &reason,
		}
		g := Guard{Status: ptr(plans.StatusCancelled), EndedBy: &now, NotTier: ptr(plans.TierFree)}
		ok, err := s.store.Update(ctx, rec.UserID, p, g)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire user %d: %w", rec.UserID, err))
			continue
		}
		if !ok {
			continue
		}
		expired++
		u, err := s.findUser(ctx, rec.UserID)
		if err != nil {
			u = &users.User{ID: rec.UserID}
		}
		s.recordChange(ctx, u, rec.Tier, plans.TierFree, audit.SystemActor(expiryActorName), audit.TypeSystem, reason, audit.Metadata{})
	}
	s.metrics.Expired(expired)
	if expired > 0 || len(errs) > 0 {
		s.log.WithFields(logrus.Fields{"expired": expired, "candidates": len(lapsed), "errors": len(errs)}).Info("[subscriptions][expiry] sweep finished")
	}
	return expired, errors.Join(errs...)
}

type Stats struct {
	TierDistribution map[plans.Tier]int `json:"tierDistribution"`
	ManualOverrides  int                `json:"manualOverrides"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.TierCounts(ctx)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.ManualOverrideCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{TierDistribution: counts, ManualOverrides: overrides}, nil
}

func (s *Service) ListUsers(ctx context.Context, f UserFilter) ([]UserSubscription, int, error) {
	return s.store.ListWithUsers(ctx, f)
}

func (s *Service) BillingHistory(ctx context.Context, userID int64, limit int) ([]BillingEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 24
	}
	return s.store.BillingHistory(ctx, userID, limit)
}
