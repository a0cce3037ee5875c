package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Snapshot reasons.
const (
	ReasonOrder     = "order"
	ReasonRiskClose = "risk_close"
	ReasonMonitor   = "monitor"
)

// Windows reported by Summary.
var Windows = []struct {
	Label string
	Span  time.Duration
}{
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
	{"30d", 30 * 24 * time.Hour},
}

// EquityDelta compares the latest equity with the newest snapshot at or
// before the window start.
type EquityDelta struct {
	Window    string          `json:"window"`
	Available bool            `json:"available"`
	From      time.Time       `json:"from,omitempty"`
	Start     decimal.Decimal `json:"start"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

// EquitySummary is the latest valuation plus window deltas.
type EquitySummary struct {
	At             time.Time       `json:"at"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	StaleCount     int             `json:"stale_count"`
	Deltas         []EquityDelta   `json:"deltas"`
}

// EquityRecorder appends snapshots after fills and monitor runs.
type EquityRecorder struct {
	store  *db.EquityStore
	ledger *ledger.Ledger
	bus    *events.Bus
	log    zerolog.Logger
}

func NewEquityRecorder(store *db.EquityStore, l *ledger.Ledger, bus *events.Bus, log zerolog.Logger) *EquityRecorder {
	return &EquityRecorder{store: store, ledger: l, bus: bus, log: log}
}

// Record appends v and emits equity.snapshot.
func (r *EquityRecorder) Record(ctx context.Context, v ledger.Valuation, reason string) (db.EquitySnapshot, error) {
	snap := db.EquitySnapshot{
		At:             v.At,
		Cash:           v.Cash,
		PositionsValue: v.PositionsValue,
		Equity:         v.Equity,
		StaleCount:     len(v.Stale),
		Reason:         reason,
	}
	id, err := r.store.Insert(ctx, snap)
	if err != nil {
		return snap, err
	}
	snap.ID = id
	r.bus.Publish(events.EventEquitySnapshot, events.EquitySnapshot{
		Cash:           snap.Cash,
		PositionsValue: snap.PositionsValue,
		Equity:         snap.Equity,
		StaleCount:     snap.StaleCount,
		Reason:         reason,
		At:             snap.At,
	})
	return snap, nil
}

// OnFill implements order.FillObserver.
func (r *EquityRecorder) OnFill(ctx context.Context, fill ledger.Fill) {
	reason := ReasonOrder
	switch risk.CloseReason(fill.Order.Reason) {
	case risk.ReasonStopLoss, risk.ReasonTakeProfit, risk.ReasonTrailingStop, risk.ReasonAgeLimit:
		reason = ReasonRiskClose
	}
	if _, err := r.Record(ctx, r.ledger.Snapshot(), reason); err != nil {
		r.log.Error().Err(err).Str("order_id", fill.Order.ID).Msg("equity snapshot failed")
	}
}

// Series returns snapshots since the given time, oldest first.
func (r *EquityRecorder) Series(ctx context.Context, since time.Time, limit int) ([]db.EquitySnapshot, error) {
	return r.store.Since(ctx, since, limit)
}

// Summary reports the latest snapshot and its 1h/24h/7d/30d deltas. Before
// any snapshot exists the live ledger valuation is reported with no deltas.
func (r *EquityRecorder) Summary(ctx context.Context) (EquitySummary, error) {
	latest, err := r.store.Latest(ctx)
	if errors.Is(err, db.ErrNotFound) {
		v := r.ledger.Snapshot()
		sum := EquitySummary{At: v.At, Cash: v.Cash, PositionsValue: v.PositionsValue, Equity: v.Equity, StaleCount: len(v.Stale)}
		for _, w := range Windows {
			sum.Deltas = append(sum.Deltas, EquityDelta{Window: w.Label})
		}
		return sum, nil
	}
	if err != nil {
		return EquitySummary{}, err
	}

	sum := EquitySummary{
		At:             latest.At,
		Cash:           latest.Cash,
		PositionsValue: latest.PositionsValue,
		Equity:         latest.Equity,
		StaleCount:     latest.StaleCount,
	}
	for _, w := range Windows {
		delta := EquityDelta{Window: w.Label}
		base, err := r.store.AtOrBefore(ctx, latest.At.Add(-w.Span))
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return EquitySummary{}, err
		default:
			delta.Available = true
			delta.From = base.At
			delta.Start = base.Equity
			delta.Change = latest.Equity.Sub(base.Equity)
			if base.Equity.IsPositive() {
				delta.ChangePct = delta.Change.Div(base.Equity).Shift(2).Round(4)
			}
		}
		sum.Deltas = append(sum.Deltas, delta)
	}
	return sum, nil
}
