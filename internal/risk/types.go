package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
)

// CloseReason is recorded on risk-initiated sells.
type CloseReason string

const (
	ReasonStopLoss     CloseReason = "stop_loss"
	ReasonTakeProfit   CloseReason = "take_profit"
	ReasonTrailingStop CloseReason = "trailing_stop"
	ReasonAgeLimit     CloseReason = "age_limit"
)

// Decision is the outcome of evaluating one position at one mark.
type Decision struct {
	Close  bool
	Reason CloseReason
	Detail string
	// HighWater is the new trailing high-water mark to store; nil when unchanged.
	HighWater *decimal.Decimal
}

// CloseDetail describes one risk close within a tick.
type CloseDetail struct {
	Key         ledger.Key      `json:"key"`
	Reason      CloseReason     `json:"reason"`
	Detail      string          `json:"detail"`
	Price       decimal.Decimal `json:"price"`
	OrderID     string          `json:"order_id"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// TickReport summarizes one risk tick.
type TickReport struct {
	At            time.Time     `json:"at"`
	Evaluated     int           `json:"evaluated"`
	Closed        int           `json:"closed"`
	SkippedStale  int           `json:"skipped_stale"`
	GuardBlocked  int           `json:"guard_blocked"`
	Errors        int           `json:"errors"`
	ConfigInvalid bool          `json:"config_invalid"`
	Closes        []CloseDetail `json:"closes,omitempty"`
}

// ExposureDecision is the answer to CanOpen.
type ExposureDecision struct {
	Allowed  bool            `json:"allowed"`
	Code     apperr.Code     `json:"code,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Exposure decimal.Decimal `json:"exposure"`
	Limit    decimal.Decimal `json:"limit"`
}

// Err converts a denial into a coded error.
func (d ExposureDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &apperr.Error{Code: d.Code, Message: d.Reason}
}

// RiskMetrics tracks realized performance.
type RiskMetrics struct {
	Day         string          `json:"day"`
	DailyPnL    decimal.Decimal `json:"daily_pnl"`
	DailyTrades int             `json:"daily_trades"`
	DailyLosses decimal.Decimal `json:"daily_losses"`

	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	MaxProfit        decimal.Decimal `json:"max_profit"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`

	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	Breakeven   int     `json:"breakeven"`
	WinRate     float64 `json:"win_rate"`
}
