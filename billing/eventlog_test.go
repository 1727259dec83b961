package billing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisEventLog(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := NewRedisEventLog(rdb, time.Hour)
	ctx := context.Background()

	seen, err := log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, log.Mark(ctx, "evt_1"))
	require.NoError(t, log.Mark(ctx, "evt_1"))
	seen, err = log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, mr.TTL(eventKeyPrefix+"evt_1"))

	mr.FastForward(2 * time.Hour)
	seen, err = log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "ids expire after the ttl")
}

func TestSQLEventLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	clock := clockwork.NewFakeClockAt(t0)
	log := NewSQLEventLog(db, clock)
	ctx := context.Background()

	mock.ExpectQuery("SELECT 1 FROM billing_events").WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	seen, err := log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	mock.ExpectExec("INSERT IGNORE INTO billing_events").WithArgs("evt_1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, log.Mark(ctx, "evt_1"))

	mock.ExpectQuery("SELECT 1 FROM billing_events").WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	seen, err = log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.NoError(t, mock.ExpectationsWereMet())
}
