package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"telehealth-backend/logging"
)

// Store persists entries. Implementations must be append-only.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
	Count(ctx context.Context, q Query) (int, error)
	Stats(ctx context.Context, since time.Time) ([]StatRow, error)
}

const (
	defaultUserLimit   = 10
	defaultAdminLimit  = 50
	defaultRecentLimit = 20
	maxLimit           = 100
)

// Log is the plan-change audit trail.
type Log struct {
	store Store
	clock clockwork.Clock
	log   *logrus.Entry
}

func NewLog(store Store, clock clockwork.Clock) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{store: store, clock: clock, log: logging.For("audit")}
}

// Record validates and appends an entry. ID and timestamp are assigned here.
func (l *Log) Record(ctx context.Context, e Entry) (*Entry, error) {
	e.Reason = strings.TrimSpace(e.Reason)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.ID = uuid.NewString()
	e.Timestamp = l.clock.Now().UTC()
	if err := l.store.Insert(ctx, &e); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{"user_id": e.UserID, "from": e.FromTier, "to": e.ToTier}).Error("[audit][insert] failed")
		return nil, err
	}
	l.log.WithFields(logrus.Fields{
		"user_id": e.UserID, "from": e.FromTier, "to": e.ToTier, "type": e.Type, "changed_by": e.ChangedBy,
	}).Info("[audit][record]")
	return &e, nil
}

// UserHistory returns the newest entries for one user.
func (l *Log) UserHistory(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	return l.store.List(ctx, Query{UserID: userID, Limit: clampLimit(limit, defaultUserLimit)})
}

// AdminHistory returns the newest entries made by one admin.
func (l *Log) AdminHistory(ctx context.Context, adminID int64, limit int) ([]Entry, error) {
	return l.store.List(ctx, Query{ActorID: adminID, Limit: clampLimit(limit, defaultAdminLimit)})
}

// Search returns a filtered page plus the total matching count.
func (l *Log) Search(ctx context.Context, q Query) ([]Entry, int, error) {
	q.Limit = clampLimit(q.Limit, defaultRecentLimit)
	if q.Offset < 0 {
		q.Offset = 0
	}
	entries, err := l.store.List(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	total, err := l.store.Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Stats groups transitions since the given time.
func (l *Log) Stats(ctx context.Context, since time.Time) ([]StatRow, error) {
	return l.store.Stats(ctx, since)
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
