package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EquitySnapshot is an immutable valuation point.
type EquitySnapshot struct {
	ID             int64
	At             time.Time
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	Equity         decimal.Decimal
	StaleCount     int
	Reason         string
}

// EquityStore appends and queries equity snapshots.
type EquityStore struct {
	db *sql.DB
}

func NewEquityStore(db *sql.DB) *EquityStore { return &EquityStore{db: db} }

// Insert appends a snapshot.
func (s *EquityStore) Insert(ctx context.Context, snap EquitySnapshot) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (at, cash, positions_value, equity, stale_count, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, toMillis(snap.At), snap.Cash.String(), snap.PositionsValue.String(), snap.Equity.String(), snap.StaleCount, snap.Reason)
	if err != nil {
		return 0, fmt.Errorf("insert equity snapshot: %w", err)
	}
	return res.LastInsertId()
}

// Since returns snapshots at or after since, oldest first, capped at limit.
func (s *EquityStore) Since(ctx context.Context, since time.Time, limit int) ([]EquitySnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, cash, positions_value, equity, stale_count, reason
		FROM equity_snapshots
		WHERE at >= ?
		ORDER BY at ASC, id ASC
		LIMIT ?
	`, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query equity snapshots: %w", err)
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		snap, err := scanEquity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Latest returns the newest snapshot.
func (s *EquityStore) Latest(ctx context.Context) (EquitySnapshot, error) {
	return s.one(ctx, `
		SELECT id, at, cash, positions_value, equity, stale_count, reason
		FROM equity_snapshots ORDER BY at DESC, id DESC LIMIT 1`)
}

// AtOrBefore returns the newest snapshot taken at or before t.
func (s *EquityStore) AtOrBefore(ctx context.Context, t time.Time) (EquitySnapshot, error) {
	return s.one(ctx, `
		SELECT id, at, cash, positions_value, equity, stale_count, reason
		FROM equity_snapshots WHERE at <= ? ORDER BY at DESC, id DESC LIMIT 1`, toMillis(t))
}

func (s *EquityStore) one(ctx context.Context, query string, args ...any) (EquitySnapshot, error) {
	snap, err := scanEquity(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return EquitySnapshot{}, ErrNotFound
	}
	return snap, err
}

func scanEquity(sc scanner) (EquitySnapshot, error) {
	var (
		snap                   EquitySnapshot
		at                     int64
		cash, posValue, equity string
	)
	if err := sc.Scan(&snap.ID, &at, &cash, &posValue, &equity, &snap.StaleCount, &snap.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EquitySnapshot{}, err
		}
		return EquitySnapshot{}, fmt.Errorf("scan equity snapshot: %w", err)
	}
	snap.At = fromMillis(at)
	var err error
	if snap.Cash, err = decimal.NewFromString(cash); err != nil {
		return EquitySnapshot{}, fmt.Errorf("parse cash %q: %w", cash, err)
	}
	if snap.PositionsValue, err = decimal.NewFromString(posValue); err != nil {
		return EquitySnapshot{}, fmt.Errorf("parse positions_value %q: %w", posValue, err)
	}
	if snap.Equity, err = decimal.NewFromString(equity); err != nil {
		return EquitySnapshot{}, fmt.Errorf("parse equity %q: %w", equity, err)
	}
	return snap, nil
}
