package repo

import (
	"context"
	"database/sql"
	"time"

	"signoff/internal/domain"
)

// SetCaretaker installs a caretaker for a user, retiring any active
// assignment first so the partial unique index on (user_pk) WHERE active=1
// never trips. Done in one transaction; setting a caretaker is an upsert,
// not an error, when one already exists.
func (r Repo) SetCaretaker(ctx context.Context, ca domain.CaretakerAssignment) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE caretaker_assignments SET active=0 WHERE user_pk=? AND active=1`, ca.UserPK); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO caretaker_assignments(pk,user_pk,caretaker_pk,reason,end_date,active,created_at) VALUES (?,?,?,?,?,1,?)`,
		ca.PK, ca.UserPK, ca.CaretakerPK, nullable(ca.Reason), nullable(ca.EndDate), ca.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveCaretaker returns the current caretaker assignment for a user, if
// one exists and has not lapsed by the given instant.
func (r Repo) ActiveCaretaker(ctx context.Context, userPK string, now time.Time) (domain.CaretakerAssignment, error) {
	var ca domain.CaretakerAssignment
	var reason, endDate sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT pk,user_pk,caretaker_pk,reason,end_date,created_at
FROM caretaker_assignments
WHERE user_pk=? AND active=1 AND (end_date IS NULL OR end_date >= ?)`,
		userPK, now.UTC().Format(time.RFC3339)).
		Scan(&ca.PK, &ca.UserPK, &ca.CaretakerPK, &reason, &endDate, &ca.CreatedAt)
	if err == sql.ErrNoRows {
		return ca, ErrNotFound
	}
	if reason.Valid {
		ca.Reason = reason.String
	}
	if endDate.Valid {
		ca.EndDate = endDate.String
	}
	return ca, err
}

// RemoveCaretaker retires the active assignment. The row stays for audit.
func (r Repo) RemoveCaretaker(ctx context.Context, userPK string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE caretaker_assignments SET active=0 WHERE user_pk=? AND active=1`, userPK)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExtendCaretaker moves the end date of the active assignment.
func (r Repo) ExtendCaretaker(ctx context.Context, userPK, endDate string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE caretaker_assignments SET end_date=? WHERE user_pk=? AND active=1`,
		nullable(endDate), userPK)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCaretakers lists assignments, newest first. Inactive rows are included
// when history is requested.
func (r Repo) ListCaretakers(ctx context.Context, userPK string, includeHistory bool) ([]domain.CaretakerAssignment, error) {
	query := `SELECT pk,user_pk,caretaker_pk,reason,end_date,created_at FROM caretaker_assignments WHERE user_pk=?`
	if !includeHistory {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at DESC, pk DESC`
	rows, err := r.DB.QueryContext(ctx, query, userPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaretakerAssignment
	for rows.Next() {
		var ca domain.CaretakerAssignment
		var reason, endDate sql.NullString
		if err := rows.Scan(&ca.PK, &ca.UserPK, &ca.CaretakerPK, &reason, &endDate, &ca.CreatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			ca.Reason = reason.String
		}
		if endDate.Valid {
			ca.EndDate = endDate.String
		}
		res = append(res, ca)
	}
	return res, nil
}
