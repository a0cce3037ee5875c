package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
)

// Key identifies a position: one per (market, symbol).
type Key struct {
	Market string `json:"market"`
	Symbol string `json:"symbol"`
}

func (k Key) String() string { return k.Market + ":" + k.Symbol }

// ParseKey parses "market:symbol".
func ParseKey(s string) (Key, error) {
	market, symbol, ok := strings.Cut(s, ":")
	if !ok || market == "" || symbol == "" {
		return Key{}, fmt.Errorf("invalid position key %q", s)
	}
	return Key{Market: market, Symbol: symbol}, nil
}

// Side of an executed order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position is an open holding. A position with zero quantity does not exist.
type Position struct {
	Market    string           `json:"market"`
	Symbol    string           `json:"symbol"`
	Quantity  decimal.Decimal  `json:"quantity"`
	AvgEntry  decimal.Decimal  `json:"avg_entry"`
	OpenedAt  time.Time        `json:"opened_at"`
	HighWater *decimal.Decimal `json:"high_water,omitempty"`

	LastPrice   decimal.Decimal `json:"last_price"`
	LastPriceAt time.Time       `json:"last_price_at"`
	Stale       bool            `json:"stale"`
}

func (p Position) Key() Key { return Key{Market: p.Market, Symbol: p.Symbol} }

// Mark is the price the position is valued at: the last mark, or the entry
// price when it has never been marked.
func (p Position) Mark() decimal.Decimal {
	if p.LastPrice.IsPositive() {
		return p.LastPrice
	}
	return p.AvgEntry
}

func (p Position) MarketValue() decimal.Decimal { return p.Quantity.Mul(p.Mark()) }

func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.Mark().Sub(p.AvgEntry).Mul(p.Quantity)
}

// Order is an immutable execution record in the ledger history.
type Order struct {
	ID          string          `json:"id"`
	Market      string          `json:"market"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	SignalRef   string          `json:"signal_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (o Order) Key() Key { return Key{Market: o.Market, Symbol: o.Symbol} }

func (o Order) Notional() decimal.Decimal { return o.Quantity.Mul(o.Price) }

// Entry is caller metadata stamped onto the order record of a mutation.
type Entry struct {
	OrderID   string
	Reason    string
	SignalRef string
}

// Fill is the outcome of a ledger mutation.
type Fill struct {
	Order     Order
	Position  Position // state after the fill; zero value when Closed
	Closed    bool
	CashAfter decimal.Decimal
}

// Mark is an observed price for mark-to-market.
type Mark struct {
	Price decimal.Decimal
	At    time.Time
}

// Section is the persisted part of the ledger.
type Section struct {
	Cash      decimal.Decimal `json:"cash"`
	Positions []Position      `json:"positions"`
	Orders    []Order         `json:"orders"`
}

// Valuation is a point-in-time view of cash, positions and equity.
type Valuation struct {
	At             time.Time       `json:"at"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	Positions      []Position      `json:"positions"`
	Stale          []Key           `json:"stale,omitempty"`
}

// Exposure returns positions_value / equity. ok is false when equity is not
// positive.
func (v Valuation) Exposure() (exposure decimal.Decimal, ok bool) {
	if !v.Equity.IsPositive() {
		return decimal.Zero, false
	}
	return v.PositionsValue.Div(v.Equity), true
}

// StaleErr reports positions valued at an old mark as a stale_price condition.
func (v Valuation) StaleErr() error {
	if len(v.Stale) == 0 {
		return nil
	}
	names := make([]string, len(v.Stale))
	for i, k := range v.Stale {
		names[i] = k.String()
	}
	return apperr.New(apperr.CodeStalePrice, "no fresh price for %s", strings.Join(names, ", "))
}
