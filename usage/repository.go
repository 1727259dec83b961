package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"telehealth-backend/plans"
)

const entryColumns = `id, user_id, period, date_key, period_start,
	ai_consultation_messages, symptom_checker_messages, total_ai_messages,
	ai_consultation_sessions, symptom_checker_sessions, ai_consultation_time, symptom_checker_time,
	appointments_booked, prescriptions_viewed, subscription_tier, limit_ai_messages, limit_appointments, last_reset`

// counterColumns are the only names Increment accepts.
var counterColumns = map[string]bool{
	"ai_consultation_messages": true,
	"symptom_checker_messages": true,
	"total_ai_messages":        true,
	"ai_consultation_sessions": true,
	"symptom_checker_sessions": true,
	"ai_consultation_time":     true,
	"symptom_checker_time":     true,
	"appointments_booked":      true,
	"prescriptions_viewed":     true,
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var period, tier string
	u := &e.Usage
	err := row.Scan(&e.ID, &e.UserID, &period, &e.DateKey, &e.PeriodStart,
		&u.AIConsultationMessages, &u.SymptomCheckerMessages, &u.TotalAIMessages,
		&u.AIConsultationSessions, &u.SymptomCheckerSessions, &u.AIConsultationTime, &u.SymptomCheckerTime,
		&u.AppointmentsBooked, &u.PrescriptionsViewed, &tier,
		&e.LimitsInEffect.AIMessages, &e.LimitsInEffect.AppointmentsPerMonth, &e.LastReset)
	if err != nil {
		return nil, err
	}
	e.Period, e.SubscriptionTier = Period(period), plans.Tier(tier)
	return &e, nil
}

func (r *Repository) Find(ctx context.Context, userID int64, p Period, dateKey string) (*Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM usage_ledger WHERE user_id = ? AND period = ? AND date_key = ?",
		userID, string(p), dateKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// Upsert inserts e unless its bucket already exists, then returns the stored
// row. Racing first accesses converge on the unique bucket key.
func (r *Repository) Upsert(ctx context.Context, e Entry) (*Entry, error) {
	_, err := r.db.ExecContext(ctx, `INSERT INTO usage_ledger
		(id, user_id, period, date_key, period_start, subscription_tier, limit_ai_messages, limit_appointments, last_reset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`,
		e.ID, e.UserID, string(e.Period), e.DateKey, e.PeriodStart, string(e.SubscriptionTier),
		e.LimitsInEffect.AIMessages, e.LimitsInEffect.AppointmentsPerMonth, e.LastReset)
	if err != nil {
		return nil, fmt.Errorf("upsert usage bucket: %w", err)
	}
	return r.Find(ctx, e.UserID, e.Period, e.DateKey)
}

// Increment adds deltas to the bucket in one statement.
func (r *Repository) Increment(ctx context.Context, id string, ds []Delta) error {
	if len(ds) == 0 {
		return nil
	}
	sets := make([]string, 0, len(ds))
	args := make([]any, 0, len(ds)+1)
	for _, d := range ds {
		if !counterColumns[d.Column] {
			return fmt.Errorf("usage column %q: %w", d.Column, ErrInvalidKind)
		}
		sets = append(sets, d.Column+" = "+d.Column+" + ?")
		args = append(args, d.Amount)
	}
	args = append(args, id)
	res, err := r.db.ExecContext(ctx, "UPDATE usage_ledger SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset zeroes every counter of one bucket in place.
func (r *Repository) Reset(ctx context.Context, userID int64, p Period, dateKey string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE usage_ledger SET
		ai_consultation_messages = 0, symptom_checker_messages = 0, total_ai_messages = 0,
		ai_consultation_sessions = 0, symptom_checker_sessions = 0, ai_consultation_time = 0, symptom_checker_time = 0,
		appointments_booked = 0, prescriptions_viewed = 0, last_reset = ?
		WHERE user_id = ? AND period = ? AND date_key = ?`,
		at, userID, string(p), dateKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) History(ctx context.Context, userID int64, p Period, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM usage_ledger WHERE user_id = ? AND period = ? ORDER BY period_start DESC LIMIT ?",
		userID, string(p), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Analytics aggregates buckets of period p starting in [from, to].
func (r *Repository) Analytics(ctx context.Context, p Period, from, to time.Time) (*Analytics, error) {
	out := &Analytics{Period: p, From: from, To: to, UsageStatistics: []TierUsage{}, TierDistribution: []TierTotals{}, TopUsers: []TopUser{}}
	window := []any{string(p), from, to}

	rows, err := r.db.QueryContext(ctx, `SELECT subscription_tier, date_key, COUNT(*),
		COALESCE(SUM(total_ai_messages), 0), COALESCE(SUM(appointments_booked), 0),
		COALESCE(AVG(total_ai_messages), 0), COALESCE(AVG(appointments_booked), 0)
		FROM usage_ledger WHERE period = ? AND period_start BETWEEN ? AND ?
		GROUP BY subscription_tier, date_key ORDER BY date_key DESC`, window...)
	if err != nil {
		return nil, fmt.Errorf("usage statistics: %w", err)
	}
	for rows.Next() {
		var t TierUsage
		var tier string
		if err := rows.Scan(&tier, &t.DateKey, &t.TotalUsers, &t.TotalAIMessages, &t.TotalAppointments, &t.AvgAIMessages, &t.AvgAppointments); err != nil {
			rows.Close()
			return nil, err
		}
		t.Tier = plans.Tier(tier)
		out.UsageStatistics = append(out.UsageStatistics, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT subscription_tier, COUNT(DISTINCT user_id),
		COALESCE(SUM(total_ai_messages), 0), COALESCE(SUM(appointments_booked), 0)
		FROM usage_ledger WHERE period = ? AND period_start BETWEEN ? AND ?
		GROUP BY subscription_tier`, window...)
	if err != nil {
		return nil, fmt.Errorf("tier distribution: %w", err)
	}
	for rows.Next() {
		var t TierTotals
		var tier string
		if err := rows.Scan(&tier, &t.UniqueUsers, &t.TotalAIMessages, &t.TotalAppointments); err != nil {
			rows.Close()
			return nil, err
		}
		t.Tier = plans.Tier(tier)
		if t.UniqueUsers > 0 {
			t.AvgAIMessagesPerUser = float64(t.TotalAIMessages) / float64(t.UniqueUsers)
			t.AvgAppointmentsPerUser = float64(t.TotalAppointments) / float64(t.UniqueUsers)
		}
		out.TierDistribution = append(out.TierDistribution, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT l.user_id, COALESCE(MAX(u.name), ''), COALESCE(MAX(u.email), ''),
		MAX(l.subscription_tier), SUM(l.total_ai_messages), SUM(l.appointments_booked)
		FROM usage_ledger l LEFT JOIN users u ON u.id = l.user_id
		WHERE l.period = ? AND l.period_start BETWEEN ? AND ?
		GROUP BY l.user_id ORDER BY SUM(l.total_ai_messages) DESC LIMIT 10`, window...)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t TopUser
		var tier string
		if err := rows.Scan(&t.UserID, &t.UserName, &t.UserEmail, &tier, &t.TotalAIMessages, &t.TotalAppointments); err != nil {
			return nil, err
		}
		t.SubscriptionTier = plans.Tier(tier)
		out.TopUsers = append(out.TopUsers, t)
	}
	return out, rows.Err()
}
