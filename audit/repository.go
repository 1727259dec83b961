package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"telehealth-backend/plans"
)

const entryColumns = `id, user_id, user_name, user_email, from_tier, to_tier, changed_by, changed_by_id, changed_by_kind,
	reason, type, ip_address, user_agent, payment_ref, bulk_operation_id, created_at`

// Repository is the MySQL store for plan_change_logs. It has no update or delete path.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository { return &Repository{db: db} }

func (r *Repository) Insert(ctx context.Context, e *Entry) error {
	var changedByID sql.NullInt64
	if e.ChangedByID != nil {
		changedByID = sql.NullInt64{Int64: *e.ChangedByID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO plan_change_logs (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.UserName, e.UserEmail, string(e.FromTier), string(e.ToTier), e.ChangedBy, changedByID,
		string(e.ChangedByKind), e.Reason, string(e.Type), e.Metadata.IPAddress, e.Metadata.UserAgent,
		e.Metadata.PaymentRef, e.Metadata.BulkOperationID, e.Timestamp,
	)
	return err
}

func whereClause(q Query) (string, []any) {
	var conds []string
	var args []any
	if q.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.ActorID != 0 {
		conds = append(conds, "changed_by_id = ?")
		args = append(args, q.ActorID)
	}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns entries newest first.
func (r *Repository) List(ctx context.Context, q Query) ([]Entry, error) {
	where, args := whereClause(q)
	args = append(args, q.Limit, q.Offset)
	rows, err := r.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM plan_change_logs"+where+
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var changedByID sql.NullInt64
		var from, to, kind, typ string
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserName, &e.UserEmail, &from, &to, &e.ChangedBy, &changedByID, &kind,
			&e.Reason, &typ, &e.Metadata.IPAddress, &e.Metadata.UserAgent, &e.Metadata.PaymentRef,
			&e.Metadata.BulkOperationID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.FromTier, e.ToTier = plans.Tier(from), plans.Tier(to)
		e.ChangedByKind, e.Type = ActorKind(kind), ChangeType(typ)
		if changedByID.Valid {
			id := changedByID.Int64
			e.ChangedByID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) Count(ctx context.Context, q Query) (int, error) {
	where, args := whereClause(q)
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plan_change_logs"+where, args...).Scan(&n)
	return n, err
}

func (r *Repository) Stats(ctx context.Context, since time.Time) ([]StatRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT type, from_tier, to_tier, COUNT(*), COUNT(DISTINCT user_id)
		FROM plan_change_logs WHERE created_at >= ?
		GROUP BY type, from_tier, to_tier ORDER BY COUNT(*) DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatRow
	for rows.Next() {
		var s StatRow
		var typ, from, to string
		if err := rows.Scan(&typ, &from, &to, &s.Count, &s.UniqueUsers); err != nil {
			return nil, err
		}
		s.Type, s.FromTier, s.ToTier = ChangeType(typ), plans.Tier(from), plans.Tier(to)
		out = append(out, s)
	}
	return out, rows.Err()
}
