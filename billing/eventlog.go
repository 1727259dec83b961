package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
)

const eventKeyPrefix = "billing:event:"

// RedisEventLog keeps processed ids as expiring keys.
type RedisEventLog struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisEventLog(rdb *redis.Client, ttl time.Duration) *RedisEventLog {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisEventLog{rdb: rdb, ttl: ttl}
}

func (l *RedisEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, eventKeyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *RedisEventLog) Mark(ctx context.Context, eventID string) error {
	return l.rdb.SetNX(ctx, eventKeyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}

// SQLEventLog stores processed ids in billing_events. Rows are never expired.
type SQLEventLog struct {
	db    *sql.DB
	clock clockwork.Clock
}

func NewSQLEventLog(db *sql.DB, clock clockwork.Clock) *SQLEventLog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SQLEventLog{db: db, clock: clock}
}

func (l *SQLEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, "SELECT 1 FROM billing_events WHERE event_id = ? LIMIT 1", eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *SQLEventLog) Mark(ctx context.Context, eventID string) error {
	_, err := l.db.ExecContext(ctx, "INSERT IGNORE INTO billing_events (event_id, processed_at) VALUES (?, ?)",
		eventID, l.clock.Now().UTC())
	return err
}
