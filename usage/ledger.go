package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"telehealth-backend/logging"
	"telehealth-backend/metrics"
	"telehealth-backend/plans"
)

// Store persists ledger buckets. *Repository implements it.
type Store interface {
	Find(ctx context.Context, userID int64, p Period, dateKey string) (*Entry, error)
	Upsert(ctx context.Context, e Entry) (*Entry, error)
	Increment(ctx context.Context, id string, ds []Delta) error
	Reset(ctx context.Context, userID int64, p Period, dateKey string, at time.Time) error
	History(ctx context.Context, userID int64, p Period, limit int) ([]Entry, error)
	Analytics(ctx context.Context, p Period, from, to time.Time) (*Analytics, error)
}

// TierSource reports the user's current tier, snapshotted into new buckets.
type TierSource interface {
	CurrentTier(ctx context.Context, userID int64) (plans.Tier, error)
}

const (
	defaultHistoryLimit = 12
	maxHistoryLimit     = 100
	defaultWindowDays   = 30
)

// Ledger meters usage into daily and monthly buckets.
type Ledger struct {
	store   Store
	tiers   TierSource
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewLedger(store Store, tiers TierSource, clock clockwork.Clock, m *metrics.Metrics) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{store: store, tiers: tiers, clock: clock, metrics: m, log: logging.For("usage")}
}

// GetOrCreateBucket returns the user's bucket for the current period. The
// tier snapshot is taken only when the bucket is created.
func (l *Ledger) GetOrCreateBucket(ctx context.Context, userID int64, p Period) (*Entry, error) {
	now := l.clock.Now().UTC()
	key := DateKey(p, now)
	e, err := l.store.Find(ctx, userID, p, key)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	tier, err := l.tiers.CurrentTier(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot tier: %w", err)
	}
	return l.store.Upsert(ctx, Entry{
		ID:               uuid.NewString(),
		UserID:           userID,
		Period:           p,
		DateKey:          key,
		PeriodStart:      PeriodStart(p, now),
		SubscriptionTier: tier,
		LimitsInEffect:   plans.LimitsFor(tier),
		LastReset:        now,
	})
}

// Increment records amount units of kind in both the monthly and daily
// buckets. seconds adds session time for AI message kinds.
func (l *Ledger) Increment(ctx context.Context, userID int64, kind Kind, amount, seconds int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	ds, err := kind.deltas(amount, seconds)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range Periods {
		g.Go(func() error {
			e, err := l.GetOrCreateBucket(gctx, userID, p)
			if err != nil {
				return err
			}
			return l.store.Increment(gctx, e.ID, ds)
		})
	}
	if err := g.Wait(); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "kind": kind}).Error("[usage][increment] failed")
		return err
	}
	l.metrics.UsageIncrement(string(kind), amount)
	return nil
}

// Current returns the monthly and daily views, creating buckets as needed.
func (l *Ledger) Current(ctx context.Context, userID int64) (monthly, daily *Entry, err error) {
	monthly, err = l.GetOrCreateBucket(ctx, userID, Monthly)
	if err != nil {
		return nil, nil, err
	}
	daily, err = l.GetOrCreateBucket(ctx, userID, Daily)
	if err != nil {
		return nil, nil, err
	}
	return monthly, daily, nil
}

func (l *Ledger) History(ctx context.Context, userID int64, p Period, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return l.store.History(ctx, userID, p, limit)
}

// Summary reports current-month figures for the dashboard.
func (l *Ledger) Summary(ctx context.Context, userID int64) (*Summary, error) {
	tier, err := l.tiers.CurrentTier(ctx, userID)
	if err != nil {
		return nil, err
	}
	m, err := l.GetOrCreateBucket(ctx, userID, Monthly)
	if err != nil {
		return nil, err
	}
	free := tier == plans.TierFree
	lim := m.LimitsInEffect
	s := &Summary{
		SubscriptionTier: tier,
		CurrentUsage:     UsedCounts{AIMessages: m.Usage.TotalAIMessages, Appointments: m.Usage.AppointmentsBooked},
		Limits:           lim,
		Remaining:        m.Remaining(),
		UsagePercentage: Percentages{
			AIMessages:   percentage(free, m.Usage.TotalAIMessages, lim.AIMessages),
			Appointments: percentage(free, m.Usage.AppointmentsBooked, lim.AppointmentsPerMonth),
		},
		HasUnlimitedUsage: tier.Paid(),
	}
	if free {
		s.NeedsUpgrade = reached(m.Usage.TotalAIMessages, lim.AIMessages) || reached(m.Usage.AppointmentsBooked, lim.AppointmentsPerMonth)
	}
	return s, nil
}

func reached(used, limit int) bool {
	return limit != plans.Unlimited && used >= limit
}

// Reset zeroes the user's current bucket for p. Other buckets are untouched.
func (l *Ledger) Reset(ctx context.Context, userID int64, p Period) (*Entry, error) {
	now := l.clock.Now().UTC()
	key := DateKey(p, now)
	if err := l.store.Reset(ctx, userID, p, key, now); err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"user_id": userID, "period": p, "date_key": key}).Info("[usage][reset] counters zeroed")
	return l.store.Find(ctx, userID, p, key)
}

// Analytics aggregates buckets of period p created over the last days days.
func (l *Ledger) Analytics(ctx context.Context, p Period, days int) (*Analytics, error) {
	if days <= 0 {
		days = defaultWindowDays
	}
	to := l.clock.Now().UTC()
	from := to.AddDate(0, 0, -days)
	return l.store.Analytics(ctx, p, PeriodStart(p, from), to)
}
