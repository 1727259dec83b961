package usage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-backend/plans"
)

var entryColumnNames = []string{
	"id", "user_id", "period", "date_key", "period_start",
	"ai_consultation_messages", "symptom_checker_messages", "total_ai_messages",
	"ai_consultation_sessions", "symptom_checker_sessions", "ai_consultation_time", "symptom_checker_time",
	"appointments_booked", "prescriptions_viewed", "subscription_tier", "limit_ai_messages", "limit_appointments", "last_reset",
}

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db), mock
}

func TestRepository_UpsertRereadsStoredRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{
		ID: "new-id", UserID: 42, Period: Monthly, DateKey: "2026-03", PeriodStart: start,
		SubscriptionTier: plans.TierFree, LimitsInEffect: plans.LimitsFor(plans.TierFree), LastReset: start,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE id = id")).
		WithArgs("new-id", int64(42), "monthly", "2026-03", start, "free", 3, 1, start).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, user_id, period").
		WithArgs(int64(42), "monthly", "2026-03").
		WillReturnRows(sqlmock.NewRows(entryColumnNames).AddRow(
			"existing-id", 42, "monthly", "2026-03", start, 2, 1, 3, 0, 0, 0, 0, 1, 0, "free", 3, 1, start))

	got, err := repo.Upsert(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "existing-id", got.ID, "the row that won the race is returned")
	assert.Equal(t, 3, got.Usage.TotalAIMessages)
	assert.Equal(t, 1, got.Usage.AppointmentsBooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_IncrementIsSingleAtomicStatement(t *testing.T) {
	repo, mock := newMockRepo(t)
	ds, err := AIConsultationMessage.deltas(2, 30)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE usage_ledger SET ai_consultation_messages = ai_consultation_messages + ?, total_ai_messages = total_ai_messages + ?, ai_consultation_time = ai_consultation_time + ? WHERE id = ?")).
		WithArgs(2, 2, 30, "bucket-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Increment(context.Background(), "bucket-1", ds))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_IncrementRejectsUnknownColumn(t *testing.T) {
	repo, mock := newMockRepo(t)
	err := repo.Increment(context.Background(), "bucket-1", []Delta{{Column: "id", Amount: 1}})
	assert.ErrorIs(t, err, ErrInvalidKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ResetMissingBucket(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE usage_ledger SET").
		WithArgs(at, int64(42), "daily", "2026-03-10").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Reset(context.Background(), 42, Daily, "2026-03-10", at)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT id, user_id, period").WillReturnRows(sqlmock.NewRows(entryColumnNames))
	_, err := repo.Find(context.Background(), 42, Monthly, "2026-03")
	assert.ErrorIs(t, err, ErrNotFound)
}
