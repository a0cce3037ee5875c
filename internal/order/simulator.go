package order

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/pkg/config"
)

// qtyPlaces is the precision fraction-sized quantities are truncated to.
const qtyPlaces = 8

var (
	one        = decimal.NewFromInt(1)
	bpsDivisor = decimal.NewFromInt(10000)
)

// SimConfig holds fee and slippage applied to every fill.
type SimConfig struct {
	FeeRate     decimal.Decimal // e.g. 0.001 = 10 bps
	SlippageBps decimal.Decimal // applied against the taker on every fill
}

// SimConfigFrom converts the execution section of the policy file.
func SimConfigFrom(e config.Execution) SimConfig {
	return SimConfig{
		FeeRate:     decimal.NewFromFloat(e.FeeRate),
		SlippageBps: decimal.NewFromFloat(e.SlippageBps),
	}
}

// FillObserver is notified after a fill has been committed.
type FillObserver interface {
	OnFill(ctx context.Context, fill ledger.Fill)
}

// Simulator executes intents against the ledger with deterministic fee and
// slippage. It is the only component that mutates positions.
type Simulator struct {
	ledger *ledger.Ledger

	mu  sync.RWMutex
	cfg SimConfig

	bus       *events.Bus
	observers []FillObserver
	log       zerolog.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

func WithBus(b *events.Bus) Option { return func(s *Simulator) { s.bus = b } }

func WithLogger(l zerolog.Logger) Option { return func(s *Simulator) { s.log = l } }

func WithObserver(o FillObserver) Option {
	return func(s *Simulator) { s.observers = append(s.observers, o) }
}

func NewSimulator(l *ledger.Ledger, cfg SimConfig, opts ...Option) *Simulator {
	s := &Simulator{ledger: l, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetConfig swaps fee and slippage; used on policy reload.
func (s *Simulator) SetConfig(cfg SimConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Simulator) config() SimConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Execute runs one intent under the position lock and settles it.
func (s *Simulator) Execute(ctx context.Context, in Intent) (ledger.Order, error) {
	var fill ledger.Fill
	err := s.ledger.WithPosition(in.Key, func(tx *ledger.Tx) error {
		var err error
		fill, err = s.Apply(tx, in)
		return err
	})
	if err != nil {
		s.log.Warn().
			Str("key", in.Key.String()).
			Str("direction", string(in.Direction)).
			Str("reason", in.Reason).
			Str("code", string(apperr.CodeOf(err))).
			Err(err).
			Msg("execution rejected")
		return ledger.Order{}, err
	}
	s.Settle(ctx, fill)
	return fill.Order, nil
}

// Apply resolves size and fill price and mutates the ledger through tx. The
// caller must already hold the key's lock and call Settle after it returns.
func (s *Simulator) Apply(tx *ledger.Tx, in Intent) (ledger.Fill, error) {
	if !in.Price.IsPositive() {
		return ledger.Fill{}, apperr.New(apperr.CodeInvalidSize, "reference price must be positive, got %s", in.Price)
	}
	cfg := s.config()
	slip := cfg.SlippageBps.Div(bpsDivisor)
	meta := ledger.Entry{OrderID: in.OrderID, Reason: in.Reason, SignalRef: in.SignalRef}

	switch in.Direction {
	case Buy:
		fillPrice := in.Price.Mul(one.Add(slip))
		qty, err := buyQuantity(in.Size, tx.Cash(), fillPrice, cfg.FeeRate)
		if err != nil {
			return ledger.Fill{}, err
		}
		return tx.OpenOrAdd(qty, fillPrice, cfg.FeeRate, meta)
	case Sell:
		pos, ok := tx.Position()
		if !ok {
			return ledger.Fill{}, apperr.New(apperr.CodeUnknownPosition, "no open position for %s", in.Key)
		}
		fillPrice := in.Price.Mul(one.Sub(slip))
		qty, err := sellQuantity(in.Size, pos.Quantity)
		if err != nil {
			return ledger.Fill{}, err
		}
		return tx.ReduceOrClose(qty, fillPrice, cfg.FeeRate, meta)
	default:
		return ledger.Fill{}, apperr.New(apperr.CodeInvalidSize, "unknown direction %q", in.Direction)
	}
}

// Settle publishes events and notifies observers for a committed fill. The
// fill is already in the ledger, so observers run even if ctx was cancelled.
func (s *Simulator) Settle(ctx context.Context, fill ledger.Fill) {
	ctx = context.WithoutCancel(ctx)
	o := fill.Order
	s.log.Info().
		Str("order_id", o.ID).
		Str("key", o.Key().String()).
		Str("side", string(o.Side)).
		Str("qty", o.Quantity.String()).
		Str("price", o.Price.String()).
		Str("fee", o.Fee.String()).
		Str("realized_pnl", o.RealizedPnL.String()).
		Str("reason", o.Reason).
		Bool("closed", fill.Closed).
		Msg("order executed")

	EmitOrderExecuted(s.bus, o)
	if fill.Closed {
		EmitPositionClosed(s.bus, o)
	}
	for _, obs := range s.observers {
		obs.OnFill(ctx, fill)
	}
}

func validFraction(f decimal.Decimal) bool {
	return f.IsPositive() && f.LessThanOrEqual(one)
}

// buyQuantity sizes a buy. A fraction that would leave nothing for the fee
// is trimmed so the order stays affordable; an absolute quantity is not.
func buyQuantity(size Size, cash, fillPrice, feeRate decimal.Decimal) (decimal.Decimal, error) {
	if size.Quantity.IsPositive() {
		return size.Quantity, nil
	}
	if !validFraction(size.Fraction) {
		return decimal.Zero, apperr.New(apperr.CodeInvalidSize, "buy needs a quantity or a fraction in (0,1], got %+v", size)
	}
	if !cash.IsPositive() {
		return decimal.Zero, apperr.New(apperr.CodeInsufficientFunds, "no cash available")
	}
	qty := cash.Mul(size.Fraction).Div(fillPrice).Truncate(qtyPlaces)
	if qty.Mul(fillPrice).Mul(one.Add(feeRate)).GreaterThan(cash) {
		qty = cash.Div(fillPrice.Mul(one.Add(feeRate))).Truncate(qtyPlaces)
	}
	if !qty.IsPositive() {
		return decimal.Zero, apperr.New(apperr.CodeInvalidSize, "cash %s too small for one unit at %s", cash.StringFixed(2), fillPrice)
	}
	return qty, nil
}

func sellQuantity(size Size, held decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case size.IsZero():
		return held, nil
	case size.Quantity.IsPositive():
		return size.Quantity, nil
	case validFraction(size.Fraction):
		if size.Fraction.Equal(one) {
			return held, nil
		}
		qty := held.Mul(size.Fraction).Truncate(qtyPlaces)
		if !qty.IsPositive() {
			return decimal.Zero, apperr.New(apperr.CodeInvalidSize, "fraction %s of %s rounds to zero", size.Fraction, held)
		}
		return qty, nil
	default:
		return decimal.Zero, apperr.New(apperr.CodeInvalidSize, "invalid sell size %+v", size)
	}
}
