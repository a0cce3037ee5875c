// Package signal turns incoming trade signals into at most one gated order
// per bar and journals every decision.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/ledger"
	"execution-core/internal/order"
	"execution-core/internal/pricefeed"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Journal records one row per (market, symbol, timeframe, bar_time).
type Journal interface {
	Reserve(ctx context.Context, ev *db.SignalEvent) (bool, error)
	Finalize(ctx context.Context, id int64, outcome, code, reason, orderID string) error
	LastExecuted(ctx context.Context, market, symbol string) (time.Time, bool, error)
}

// Executor runs an approved intent.
type Executor interface {
	Execute(ctx context.Context, in order.Intent) (ledger.Order, error)
}

// Guard is consulted before every execution.
type Guard interface {
	Check(action guard.Action) error
}

// EntryChecker vets new entries against portfolio exposure.
type EntryChecker interface {
	CanOpen(key ledger.Key, notional decimal.Decimal) risk.ExposureDecision
}

// Observer is told about every decision, e.g. for metrics.
type Observer interface {
	ObserveSignal(Result)
}

// Gate applies dedup, cooldown, guard and exposure checks in that order.
type Gate struct {
	journal  Journal
	exec     Executor
	guard    Guard
	exposure EntryChecker
	policy   *risk.PolicyStore
	prices   pricefeed.Source
	cash     func() decimal.Decimal

	bus      *events.Bus
	observer Observer
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[ledger.Key]*sync.Mutex
}

type Option func(*Gate)

func WithBus(b *events.Bus) Option { return func(g *Gate) { g.bus = b } }

func WithLogger(l zerolog.Logger) Option { return func(g *Gate) { g.log = l } }

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func WithObserver(o Observer) Option { return func(g *Gate) { g.observer = o } }

// WithPrices sets the source used when a signal carries no price.
func WithPrices(src pricefeed.Source) Option { return func(g *Gate) { g.prices = src } }

// WithCash sets the cash reading used to estimate fraction-sized notionals.
func WithCash(fn func() decimal.Decimal) Option { return func(g *Gate) { g.cash = fn } }

func NewGate(j Journal, exec Executor, gd Guard, exposure EntryChecker, policy *risk.PolicyStore, opts ...Option) *Gate {
	g := &Gate{
		journal:  j,
		exec:     exec,
		guard:    gd,
		exposure: exposure,
		policy:   policy,
		cash:     func() decimal.Decimal { return decimal.Zero },
		log:      zerolog.Nop(),
		now:      time.Now,
		locks:    make(map[ledger.Key]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

const finalizeTimeout = 5 * time.Second

// Submit decides a signal. Only infrastructure failures (journal unavailable)
// are returned as errors; every gating decision is a Result.
func (g *Gate) Submit(ctx context.Context, s Signal) (Result, error) {
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	s.Direction, _ = ParseDirection(string(s.Direction))

	unlock := g.lock(s.Key())
	defer unlock()

	filters := "{}"
	if len(s.Filters) > 0 {
		raw, err := json.Marshal(s.Filters)
		if err != nil {
			return Result{}, apperr.New(apperr.CodeInvalidSignal, "filters: %v", err)
		}
		filters = string(raw)
	}
	ev := &db.SignalEvent{
		Market:    s.Market,
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		BarTime:   s.BarTime,
		Direction: string(s.Direction),
		Score:     s.Score,
		Filters:   filters,
	}
	fresh, err := g.journal.Reserve(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if !fresh {
		res := Result{
			Outcome: db.OutcomeDuplicate,
			Code:    apperr.CodeDuplicateSignal,
			Reason:  fmt.Sprintf("bar %s already has a decision", s.Ref()),
		}
		g.report(s, res)
		return res, nil
	}

	res := g.decide(ctx, s)
	res.ID = ev.ID
	orderID := ""
	if res.Order != nil {
		orderID = res.Order.ID
	}
	// The decision may already be in the ledger; record it even if the
	// caller has gone away.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := g.journal.Finalize(fctx, ev.ID, res.Outcome, string(res.Code), res.Reason, orderID); err != nil {
		g.log.Error().Err(err).Int64("signal_id", ev.ID).Str("outcome", res.Outcome).Msg("signal outcome not journaled")
		g.report(s, res)
		return res, fmt.Errorf("journal outcome: %w", err)
	}
	g.report(s, res)
	return res, nil
}

func (g *Gate) decide(ctx context.Context, s Signal) Result {
	if s.Direction == Flat {
		return blocked(db.OutcomeSkipped, apperr.New(apperr.CodeNoAction, "flat signal"))
	}
	pol := g.policy.Current()

	if cd := pol.Sizing.Cooldown; cd > 0 {
		last, found, err := g.journal.LastExecuted(ctx, s.Market, s.Symbol)
		if err != nil {
			return blocked(db.OutcomeFailed, apperr.New(apperr.CodeInternal, "cooldown lookup: %v", err))
		}
		if found {
			if since := g.now().Sub(last); since < cd {
				return blocked(db.OutcomeBlocked, apperr.New(apperr.CodeCooldown,
					"last execution on %s was %s ago, cooldown is %s", s.Key(), since.Truncate(time.Second), cd))
			}
		}
	}

	action := guard.ActionOpen
	if s.Direction == Sell {
		action = guard.ActionClose
	}
	if err := g.guard.Check(action); err != nil {
		return blocked(db.OutcomeBlocked, err)
	}

	price := s.Price
	if !price.IsPositive() {
		if g.prices == nil {
			return blocked(db.OutcomeBlocked, apperr.New(apperr.CodeStalePrice, "no price for %s", s.Key()))
		}
		q, err := pricefeed.Lookup(ctx, g.prices, s.Key(), pol.Execution.PriceTimeout)
		if err != nil {
			return blocked(db.OutcomeBlocked, err)
		}
		price = q.Price
	}

	in := order.Intent{Key: s.Key(), Price: price, Reason: "signal", SignalRef: s.Ref()}
	switch s.Direction {
	case Buy:
		in.Direction = order.Buy
		in.Size = order.Fraction(decimal.NewFromFloat(pol.Sizing.BuyFraction))
		notional := g.cash().Mul(in.Size.Fraction)
		if s.Quantity.IsPositive() {
			in.Size = order.Qty(s.Quantity)
			notional = s.Quantity.Mul(price)
		}
		if dec := g.exposure.CanOpen(in.Key, notional); !dec.Allowed {
			return blocked(db.OutcomeBlocked, dec.Err())
		}
	case Sell:
		in.Direction = order.Sell
		in.Size = order.Fraction(decimal.NewFromFloat(pol.Sizing.SellFraction))
		if s.Quantity.IsPositive() {
			in.Size = order.Qty(s.Quantity)
		}
	}

	o, err := g.exec.Execute(ctx, in)
	if err != nil {
		return blocked(db.OutcomeFailed, err)
	}
	return Result{
		Outcome: db.OutcomeExecuted,
		Reason:  fmt.Sprintf("%s %s %s @ %s", o.Side, o.Quantity, in.Key, o.Price),
		Order:   &o,
	}
}

func blocked(outcome string, err error) Result {
	return Result{Outcome: outcome, Code: apperr.CodeOf(err), Reason: apperr.MessageOf(err)}
}

func (g *Gate) report(s Signal, res Result) {
	lvl := g.log.Info()
	if res.Outcome != db.OutcomeExecuted {
		lvl = g.log.Warn()
	}
	lvl.Str("key", s.Key().String()).
		Str("timeframe", s.Timeframe).
		Time("bar_time", s.BarTime).
		Str("direction", string(s.Direction)).
		Str("outcome", res.Outcome).
		Str("code", string(res.Code)).
		Str("reason", res.Reason).
		Msg("signal decided")

	if g.observer != nil {
		g.observer.ObserveSignal(res)
	}
	ev := events.SignalRecorded{
		Market:    s.Market,
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		BarTime:   s.BarTime,
		Direction: string(s.Direction),
		Outcome:   res.Outcome,
		Code:      string(res.Code),
		Reason:    res.Reason,
	}
	if res.Order != nil {
		ev.OrderID = res.Order.ID
	}
	g.bus.Publish(events.EventSignalRecorded, ev)
}

// lock serializes decisions per (market, symbol) so cooldown and execution
// see each other's results.
func (g *Gate) lock(key ledger.Key) func() {
	g.mu.Lock()
	m, ok := g.locks[key]
	if !ok {
		m = &sync.Mutex{}
		g.locks[key] = m
	}
	g.mu.Unlock()
	m.Lock()
	return m.Unlock
}
