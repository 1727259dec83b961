package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"telehealth-backend/plans"
)

var recordColumnList = []string{
	"id", "user_id", "tier", "status", "start_date", "end_date", "next_payment_date", "last_payment_date",
	"cancelled_at", "cancel_reason", "auto_renew", "manual_override", "external_customer_ref", "external_subscription_ref",
	"external_price_ref", "pending_subscription_ref", "last_modified_by", "last_modified_at", "last_modification_reason",
}

var recordColumns = strings.Join(recordColumnList, ", ")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads recordColumns; lead receives any columns selected before them.
func scanRecord(row rowScanner, lead ...any) (*Record, error) {
	var r Record
	var tier, status string
	var end, next, lastPay, cancelled sql.NullTime
	var modBy sql.NullInt64
	dest := append(lead, &r.ID, &r.UserID, &tier, &status, &r.StartDate, &end, &next, &lastPay,
		&cancelled, &r.CancelReason, &r.AutoRenew, &r.ManualOverride, &r.ExternalCustomerRef,
		&r.ExternalSubscriptionRef, &r.ExternalPriceRef, &r.PendingSubscriptionRef, &modBy, &r.LastModifiedAt, &r.LastModificationReason)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.Tier, r.Status = plans.Tier(tier), plans.Status(status)
	r.Limits = plans.LimitsFor(r.Tier)
	r.EndDate, r.NextPaymentDate = nullTimePtr(end), nullTimePtr(next)
	r.LastPaymentDate, r.CancelledAt = nullTimePtr(lastPay), nullTimePtr(cancelled)
	if modBy.Valid {
		id := modBy.Int64
		r.LastModifiedBy = &id
	}
	return &r, nil
}

func (r *Repository) queryOne(ctx context.Context, where string, args ...any) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM subscriptions WHERE "+where+" LIMIT 1", args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, userID int64) (*Record, error) {
	return r.queryOne(ctx, "user_id = ?", userID)
}

func (r *Repository) FindByCustomerRef(ctx context.Context, ref string) (*Record, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return r.queryOne(ctx, "external_customer_ref = ?", ref)
}

// Ensure creates the default free/active record if the user has none and
// returns the stored row. The unique key on user_id makes concurrent calls converge.
func (r *Repository) Ensure(ctx context.Context, userID int64, now time.Time) (*Record, error) {
	_, err := r.db.ExecContext(ctx, `INSERT INTO subscriptions (user_id, tier, status, start_date, auto_renew, last_modified_at)
		VALUES (?, ?, ?, ?, 0, ?) ON DUPLICATE KEY UPDATE user_id = user_id`,
		userID, string(plans.TierFree), string(plans.StatusActive), now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure subscription: %w", err)
	}
	return r.Get(ctx, userID)
}

// Update applies p to the user's row when g matches and reports whether a row matched.
func (r *Repository) Update(ctx context.Context, userID int64, p Patch, g Guard) (bool, error) {
	sets, args := p.assignments()
	if len(sets) == 0 {
		return false, nil
	}
	conds, condArgs := g.conditions()
	where := append([]string{"user_id = ?"}, conds...)
	args = append(args, userID)
	args = append(args, condArgs...)
	res, err := r.db.ExecContext(ctx, "UPDATE subscriptions SET "+strings.Join(sets, ", ")+" WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListLapsed returns cancelled paid records whose end date has passed.
func (r *Repository) ListLapsed(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+recordColumns+` FROM subscriptions
		WHERE status = ? AND tier <> ? AND end_date IS NOT NULL AND end_date <= ?
		ORDER BY end_date ASC LIMIT ?`,
		string(plans.StatusCancelled), string(plans.TierFree), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// TierCounts returns the number of records per tier.
func (r *Repository) TierCounts(ctx context.Context) (map[plans.Tier]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT tier, COUNT(*) FROM subscriptions GROUP BY tier")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[plans.Tier]int{}
	for _, t := range plans.Tiers {
		out[t] = 0
	}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		out[plans.Tier(tier)] = n
	}
	return out, rows.Err()
}

func (r *Repository) ManualOverrideCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions WHERE manual_override = 1").Scan(&n)
	return n, err
}

func userFilterWhere(f UserFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Tier != "" {
		conds = append(conds, "s.tier = ?")
		args = append(args, string(f.Tier))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		like := "%" + q + "%"
		conds = append(conds, "(u.name LIKE ? OR u.email LIKE ?)")
		args = append(args, like, like)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListWithUsers joins users with their records for the admin listing.
func (r *Repository) ListWithUsers(ctx context.Context, f UserFilter) ([]UserSubscription, int, error) {
	where, args := userFilterWhere(f)
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users u JOIN subscriptions s ON s.user_id = u.id"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	cols := "u.id, u.name, u.email, u.role, s." + strings.Join(recordColumnList, ", s.")
	rows, err := r.db.QueryContext(ctx, "SELECT "+cols+" FROM users u JOIN subscriptions s ON s.user_id = u.id"+where+
		" ORDER BY u.id DESC LIMIT ? OFFSET ?", append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []UserSubscription
	for rows.Next() {
		var us UserSubscription
		rec, err := scanRecord(rows, &us.UserID, &us.Name, &us.Email, &us.Role)
		if err != nil {
			return nil, 0, err
		}
		us.Subscription = rec
		out = append(out, us)
	}
	return out, total, rows.Err()
}

// InsertBillingEntry stores a paid invoice once; a repeated invoice id reports false.
func (r *Repository) InsertBillingEntry(ctx context.Context, e BillingEntry) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO billing_history
		(user_id, invoice_id, amount_cents, currency, status, description, download_url, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.InvoiceID, e.AmountCents, e.Currency, e.Status, e.Description, e.DownloadURL, e.PaidAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) BillingHistory(ctx context.Context, userID int64, limit int) ([]BillingEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, invoice_id, amount_cents, currency, status, description, download_url, paid_at
		FROM billing_history WHERE user_id = ? ORDER BY paid_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []BillingEntry{}
	for rows.Next() {
		var e BillingEntry
		if err := rows.Scan(&e.UserID, &e.InvoiceID, &e.AmountCents, &e.Currency, &e.Status, &e.Description, &e.DownloadURL, &e.PaidAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
