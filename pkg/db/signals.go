package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Signal outcomes. A row stays pending between reservation and finalization;
// a pending row left by a crash keeps blocking its bar.
const (
	OutcomePending   = "pending"
	OutcomeExecuted  = "executed"
	OutcomeBlocked   = "blocked"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// SignalEvent is one journaled signal.
type SignalEvent struct {
	ID         int64
	Market     string
	Symbol     string
	Timeframe  string
	BarTime    time.Time
	Direction  string
	Score      float64
	Filters    string // JSON object
	Outcome    string
	ReasonCode string
	Reason     string
	OrderID    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SignalFilter narrows List.
type SignalFilter struct {
	Market  string
	Symbol  string
	Outcome string
	Limit   int
}

// SignalJournal enforces one row per (market, symbol, timeframe, bar_time).
type SignalJournal struct {
	db  *sql.DB
	now func() time.Time
}

func NewSignalJournal(db *sql.DB) *SignalJournal {
	return &SignalJournal{db: db, now: time.Now}
}

// WithClock overrides the time source used for created_at/updated_at.
func (j *SignalJournal) WithClock(now func() time.Time) *SignalJournal {
	j.now = now
	return j
}

// Reserve inserts ev as pending. It returns false, with no error, when the
// tuple already exists. On success ev.ID is set.
func (j *SignalJournal) Reserve(ctx context.Context, ev *SignalEvent) (bool, error) {
	now := toMillis(j.now())
	filters := ev.Filters
	if filters == "" {
		filters = "{}"
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO signal_events (market, symbol, timeframe, bar_time, direction, score, filters, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(market, symbol, timeframe, bar_time) DO NOTHING
	`, ev.Market, ev.Symbol, ev.Timeframe, toMillis(ev.BarTime), ev.Direction, ev.Score, filters, now, now)
	if err != nil {
		return false, fmt.Errorf("reserve signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve signal rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("reserve signal id: %w", err)
	}
	ev.ID = id
	ev.Outcome = OutcomePending
	ev.Filters = filters
	ev.CreatedAt = fromMillis(now)
	ev.UpdatedAt = ev.CreatedAt
	return true, nil
}

// Finalize writes the outcome onto a pending row.
func (j *SignalJournal) Finalize(ctx context.Context, id int64, outcome, code, reason, orderID string) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE signal_events
		SET outcome = ?, reason_code = ?, reason = ?, order_id = ?, updated_at = ?
		WHERE id = ? AND outcome = 'pending'
	`, outcome, code, reason, orderID, toMillis(j.now()), id)
	if err != nil {
		return fmt.Errorf("finalize signal %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize signal %d rows: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finalize signal %d: %w", id, ErrNotFound)
	}
	return nil
}

// LastExecuted returns when the latest executed signal for (market, symbol)
// was finalized.
func (j *SignalJournal) LastExecuted(ctx context.Context, market, symbol string) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT MAX(updated_at) FROM signal_events
		WHERE market = ? AND symbol = ? AND outcome = 'executed'
	`, market, symbol).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last executed signal: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

// Get loads one row by its tuple.
func (j *SignalJournal) Get(ctx context.Context, market, symbol, timeframe string, barTime time.Time) (SignalEvent, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT `+signalColumns+` FROM signal_events
		WHERE market = ? AND symbol = ? AND timeframe = ? AND bar_time = ?
	`, market, symbol, timeframe, toMillis(barTime))
	ev, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SignalEvent{}, ErrNotFound
	}
	return ev, err
}

// List returns journal rows, newest first.
func (j *SignalJournal) List(ctx context.Context, f SignalFilter) ([]SignalEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.Market != "" {
		where = append(where, "market = ?")
		args = append(args, f.Market)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := "SELECT " + signalColumns + " FROM signal_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY bar_time DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalEvent
	for rows.Next() {
		ev, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByOutcome tallies rows per outcome.
func (j *SignalJournal) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM signal_events GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count signals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan signal count: %w", err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

const signalColumns = `id, market, symbol, timeframe, bar_time, direction, score, filters,
	outcome, reason_code, reason, order_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(s scanner) (SignalEvent, error) {
	var (
		ev                        SignalEvent
		barTime, created, updated int64
	)
	if err := s.Scan(&ev.ID, &ev.Market, &ev.Symbol, &ev.Timeframe, &barTime, &ev.Direction, &ev.Score, &ev.Filters,
		&ev.Outcome, &ev.ReasonCode, &ev.Reason, &ev.OrderID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SignalEvent{}, err
		}
		return SignalEvent{}, fmt.Errorf("scan signal: %w", err)
	}
	ev.BarTime = fromMillis(barTime)
	ev.CreatedAt = fromMillis(created)
	ev.UpdatedAt = fromMillis(updated)
	return ev, nil
}
