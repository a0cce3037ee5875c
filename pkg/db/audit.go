package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GuardAudit is one guard mode transition.
type GuardAudit struct {
	ID       int64
	FromMode string
	ToMode   string
	Reason   string
	Actor    string
	At       time.Time
}

// GuardAuditLog is append-only.
type GuardAuditLog struct {
	db *sql.DB
}

func NewGuardAuditLog(db *sql.DB) *GuardAuditLog { return &GuardAuditLog{db: db} }

func (l *GuardAuditLog) Insert(ctx context.Context, a GuardAudit) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO guard_audit (from_mode, to_mode, reason, actor, at)
		VALUES (?, ?, ?, ?, ?)
	`, a.FromMode, a.ToMode, a.Reason, a.Actor, toMillis(a.At))
	if err != nil {
		return fmt.Errorf("insert guard audit: %w", err)
	}
	return nil
}

// List returns the latest transitions, newest first.
func (l *GuardAuditLog) List(ctx context.Context, limit int) ([]GuardAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, from_mode, to_mode, reason, actor, at
		FROM guard_audit ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query guard audit: %w", err)
	}
	defer rows.Close()

	var out []GuardAudit
	for rows.Next() {
		var (
			a  GuardAudit
			at int64
		)
		if err := rows.Scan(&a.ID, &a.FromMode, &a.ToMode, &a.Reason, &a.Actor, &at); err != nil {
			return nil, fmt.Errorf("scan guard audit: %w", err)
		}
		a.At = fromMillis(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
