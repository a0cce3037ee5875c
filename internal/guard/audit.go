package guard

import (
	"context"

	"execution-core/pkg/db"
)

// SQLAuditor writes transitions to the guard_audit table.
type SQLAuditor struct {
	log *db.GuardAuditLog
}

func NewSQLAuditor(log *db.GuardAuditLog) *SQLAuditor { return &SQLAuditor{log: log} }

func (a *SQLAuditor) RecordGuardChange(ctx context.Context, from, to State) error {
	return a.log.Insert(ctx, db.GuardAudit{
		FromMode: string(from.Mode),
		ToMode:   string(to.Mode),
		Reason:   to.Reason,
		Actor:    to.Actor,
		At:       to.ChangedAt,
	})
}
