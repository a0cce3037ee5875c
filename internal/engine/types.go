package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/guard"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/outbox"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// PositionView is a position with its unrealized PnL at the last mark.
type PositionView struct {
	ledger.Position
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio is the current valuation of the ledger.
type Portfolio struct {
	At             time.Time       `json:"at"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	Exposure       decimal.Decimal `json:"exposure"`
	ExposureLimit  decimal.Decimal `json:"exposure_limit"`
	Positions      []PositionView  `json:"positions"`
	Stale          []string        `json:"stale,omitempty"`
	Guard          guard.State     `json:"guard"`
}

// EquityPoint is one stored snapshot.
type EquityPoint struct {
	At             time.Time       `json:"at"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	StaleCount     int             `json:"stale_count"`
	Reason         string          `json:"reason"`
}

// EquityView is the equity summary plus a series.
type EquityView struct {
	Summary monitor.EquitySummary `json:"summary"`
	Series  []EquityPoint         `json:"series"`
}

// SignalView is one journal row.
type SignalView struct {
	ID         int64     `json:"id"`
	Market     string    `json:"market"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	BarTime    time.Time `json:"bar_time"`
	Direction  string    `json:"direction"`
	Score      float64   `json:"score"`
	Filters    string    `json:"filters"`
	Outcome    string    `json:"outcome"`
	ReasonCode string    `json:"reason_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func signalView(ev db.SignalEvent) SignalView {
	return SignalView{
		ID:         ev.ID,
		Market:     ev.Market,
		Symbol:     ev.Symbol,
		Timeframe:  ev.Timeframe,
		BarTime:    ev.BarTime,
		Direction:  ev.Direction,
		Score:      ev.Score,
		Filters:    ev.Filters,
		Outcome:    ev.Outcome,
		ReasonCode: ev.ReasonCode,
		Reason:     ev.Reason,
		OrderID:    ev.OrderID,
		CreatedAt:  ev.CreatedAt,
		UpdatedAt:  ev.UpdatedAt,
	}
}

// PolicyView is the active policy and whether it is authoritative.
type PolicyView struct {
	Policy config.Policy     `json:"policy"`
	Status risk.PolicyStatus `json:"status"`
}

// SystemStatus represents the process runtime status.
type SystemStatus struct {
	Version    string                  `json:"version"`
	StartedAt  time.Time               `json:"started_at"`
	ServerTime time.Time               `json:"server_time"`
	StatePath  string                  `json:"state_path"`
	PriceFeed  string                  `json:"price_feed"`
	Guard      guard.State             `json:"guard"`
	Policy     risk.PolicyStatus       `json:"policy"`
	LastRisk   risk.TickReport         `json:"last_risk_tick"`
	Tasks      []scheduler.TaskStats   `json:"tasks"`
	Metrics    monitor.MetricsSnapshot `json:"metrics"`
	Outbox     *outbox.RelayStats      `json:"outbox,omitempty"`
	Signals    map[string]int          `json:"signals_by_outcome,omitempty"`
	Dropped    uint64                  `json:"events_dropped"`
}
