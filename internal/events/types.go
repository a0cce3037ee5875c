package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderExecuted  Event = "order.executed"
	EventPositionClosed Event = "position.closed"
	EventGuardChanged   Event = "guard.changed"
	EventSignalRecorded Event = "signal.recorded"
	EventRiskTick       Event = "risk.tick"
	EventEquitySnapshot Event = "equity.snapshot"
)

// All lists every topic, in the order relays subscribe to them.
var All = []Event{
	EventOrderExecuted,
	EventPositionClosed,
	EventGuardChanged,
	EventSignalRecorded,
	EventRiskTick,
	EventEquitySnapshot,
}

// Envelope is the delivery unit for outbound sinks and websocket clients.
type Envelope struct {
	ID      string    `json:"id"`
	Type    Event     `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Wrap stamps a payload with an id and time.
func Wrap(e Event, payload any) Envelope {
	return Envelope{ID: uuid.NewString(), Type: e, At: time.Now().UTC(), Payload: payload}
}

type OrderExecuted struct {
	OrderID     string          `json:"order_id"`
	Market      string          `json:"market"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	At          time.Time       `json:"at"`
}

type PositionClosed struct {
	OrderID     string          `json:"order_id"`
	Market      string          `json:"market"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	At          time.Time       `json:"at"`
}

type GuardChanged struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

type SignalRecorded struct {
	Market    string    `json:"market"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	BarTime   time.Time `json:"bar_time"`
	Direction string    `json:"direction"`
	Outcome   string    `json:"outcome"`
	Code      string    `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
}

type RiskClose struct {
	Market      string          `json:"market"`
	Symbol      string          `json:"symbol"`
	Reason      string          `json:"reason"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

type RiskTick struct {
	Evaluated     int         `json:"evaluated"`
	Closed        int         `json:"closed"`
	SkippedStale  int         `json:"skipped_stale"`
	GuardBlocked  int         `json:"guard_blocked"`
	Errors        int         `json:"errors"`
	ConfigInvalid bool        `json:"config_invalid"`
	Closes        []RiskClose `json:"closes,omitempty"`
	At            time.Time   `json:"at"`
}

type EquitySnapshot struct {
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	StaleCount     int             `json:"stale_count"`
	Reason         string          `json:"reason"`
	At             time.Time       `json:"at"`
}
