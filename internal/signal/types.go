package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
)

// Direction of an incoming signal.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
	Flat Direction = "flat"
)

// ParseDirection accepts buy/sell/flat in any case.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Buy, Sell, Flat:
		return d, nil
	default:
		return "", apperr.New(apperr.CodeInvalidSignal, "unknown direction %q", s)
	}
}

// Signal is one candidate decision for a bar, already filtered upstream.
type Signal struct {
	Market    string         `json:"market"`
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	BarTime   time.Time      `json:"bar_time"`
	Direction Direction      `json:"direction"`
	Score     float64        `json:"score"`
	Filters   map[string]any `json:"filters,omitempty"`

	// Price is the reference price; when zero the gate looks it up.
	Price decimal.Decimal `json:"price"`
	// Quantity overrides fraction sizing when positive.
	Quantity decimal.Decimal `json:"quantity"`
}

func (s Signal) Key() ledger.Key { return ledger.Key{Market: s.Market, Symbol: s.Symbol} }

// Ref identifies the bar a signal belongs to; it is stored on the order.
func (s Signal) Ref() string {
	return fmt.Sprintf("%s:%s:%s:%d", s.Market, s.Symbol, s.Timeframe, s.BarTime.UTC().UnixMilli())
}

// Validate checks the identifying tuple and direction.
func (s Signal) Validate() error {
	switch {
	case s.Market == "" || s.Symbol == "":
		return apperr.New(apperr.CodeInvalidSignal, "market and symbol are required")
	case s.Timeframe == "":
		return apperr.New(apperr.CodeInvalidSignal, "timeframe is required")
	case s.BarTime.IsZero():
		return apperr.New(apperr.CodeInvalidSignal, "bar_time is required")
	case s.Price.IsNegative() || s.Quantity.IsNegative():
		return apperr.New(apperr.CodeInvalidSignal, "price and quantity must not be negative")
	}
	_, err := ParseDirection(string(s.Direction))
	return err
}

// Result is what Submit decided for a signal.
type Result struct {
	ID      int64         `json:"id,omitempty"`
	Outcome string        `json:"outcome"`
	Code    apperr.Code   `json:"code,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Order   *ledger.Order `json:"order,omitempty"`
}
