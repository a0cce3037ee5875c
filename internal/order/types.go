package order

import (
	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
)

// Direction of an intent.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Size is either an absolute quantity or a fraction. Buy fractions resolve
// against cash at execution time, sell fractions against the held quantity.
// A zero Size on a sell closes the whole position.
type Size struct {
	Quantity decimal.Decimal `json:"quantity"`
	Fraction decimal.Decimal `json:"fraction"`
}

// Qty sizes by absolute quantity.
func Qty(q decimal.Decimal) Size { return Size{Quantity: q} }

// Fraction sizes by a fraction in (0, 1].
func Fraction(f decimal.Decimal) Size { return Size{Fraction: f} }

// All closes the full position.
func All() Size { return Size{} }

func (s Size) IsZero() bool { return s.Quantity.IsZero() && s.Fraction.IsZero() }

// Intent is a request to trade.
type Intent struct {
	Direction Direction
	Key       ledger.Key
	Size      Size
	Price     decimal.Decimal // reference price before slippage
	Reason    string
	SignalRef string
	OrderID   string // optional; generated when empty
}
