// Package ledger is the authoritative record of cash, open positions and
// order history. All mutations of one position key are serialized; different
// keys proceed in parallel. Every mutation is persisted before it becomes
// visible, and rolled back if persistence fails.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
)

// Persister durably stores the ledger section.
type Persister interface {
	SaveLedger(Section) error
}

var errTxDone = errors.New("ledger: transaction already finished")

// Ledger holds cash, positions and order history.
type Ledger struct {
	mu        sync.RWMutex // guards cash, positions, orders
	cash      decimal.Decimal
	positions map[Key]Position
	orders    []Order

	keys  keyLocks
	store Persister
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPersister sets the durable store written on every mutation.
func WithPersister(p Persister) Option {
	return func(l *Ledger) { l.store = p }
}

// New creates an empty ledger funded with cash.
func New(cash decimal.Decimal, opts ...Option) *Ledger {
	l := &Ledger{
		cash:      cash,
		positions: make(map[Key]Position),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore rebuilds a ledger from a persisted section.
func Restore(sec Section, opts ...Option) (*Ledger, error) {
	if sec.Cash.IsNegative() {
		return nil, fmt.Errorf("restore ledger: negative cash %s", sec.Cash)
	}
	l := New(sec.Cash, opts...)
	for _, p := range sec.Positions {
		if !p.Quantity.IsPositive() || !p.AvgEntry.IsPositive() {
			return nil, fmt.Errorf("restore ledger: invalid position %s qty=%s avg=%s", p.Key(), p.Quantity, p.AvgEntry)
		}
		if _, dup := l.positions[p.Key()]; dup {
			return nil, fmt.Errorf("restore ledger: duplicate position %s", p.Key())
		}
		l.positions[p.Key()] = p
	}
	l.orders = append(l.orders, sec.Orders...)
	return l, nil
}

// WithPosition runs fn while holding the key's lock. fn must mutate the
// ledger only through tx; calling Ledger mutators for the same key from
// inside fn deadlocks.
func (l *Ledger) WithPosition(key Key, fn func(tx *Tx) error) error {
	unlock := l.keys.lock(key)
	defer unlock()
	tx := &Tx{l: l, key: key}
	defer func() { tx.done = true }()
	return fn(tx)
}

// OpenOrAdd buys qty at price for key.
func (l *Ledger) OpenOrAdd(key Key, qty, price, feeRate decimal.Decimal, meta Entry) (Fill, error) {
	var fill Fill
	err := l.WithPosition(key, func(tx *Tx) error {
		var err error
		fill, err = tx.OpenOrAdd(qty, price, feeRate, meta)
		return err
	})
	return fill, err
}

// ReduceOrClose sells qty at price for key.
func (l *Ledger) ReduceOrClose(key Key, qty, price, feeRate decimal.Decimal, meta Entry) (Fill, error) {
	var fill Fill
	err := l.WithPosition(key, func(tx *Tx) error {
		var err error
		fill, err = tx.ReduceOrClose(qty, price, feeRate, meta)
		return err
	})
	return fill, err
}

// Cash returns available cash.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Position returns a copy of the position for key.
func (l *Ledger) Position(key Key) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key]
	return p, ok
}

// Positions returns all open positions sorted by key.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedPositionsLocked()
}

// Orders returns up to limit most recent orders, newest first. limit <= 0
// returns all.
func (l *Ledger) Orders(limit int) []Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.orders)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Order, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.orders[i])
	}
	return out
}

// Snapshot values the ledger at the last known marks without touching them.
func (l *Ledger) Snapshot() Valuation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.valuationLocked()
}

// MarkToMarket applies the supplied marks and returns the valuation. A
// position without a mark keeps its last price and is flagged stale; it is
// never dropped from the totals. Marks stay applied in memory even when
// persisting them fails.
func (l *Ledger) MarkToMarket(marks map[Key]Mark) (Valuation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, p := range l.positions {
		if m, ok := marks[key]; ok && m.Price.IsPositive() {
			p.LastPrice = m.Price
			p.LastPriceAt = m.At
			p.Stale = false
		} else {
			p.Stale = true
		}
		l.positions[key] = p
	}
	v := l.valuationLocked()
	if err := l.persistLocked(); err != nil {
		return v, fmt.Errorf("persist marks: %w", err)
	}
	return v, nil
}

// Section returns a copy of the persisted state.
func (l *Ledger) Section() Section {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sectionLocked()
}

func (l *Ledger) valuationLocked() Valuation {
	v := Valuation{
		At:             l.now(),
		Cash:           l.cash,
		PositionsValue: decimal.Zero,
		Positions:      l.sortedPositionsLocked(),
	}
	for _, p := range v.Positions {
		v.PositionsValue = v.PositionsValue.Add(p.MarketValue())
		if p.Stale {
			v.Stale = append(v.Stale, p.Key())
		}
	}
	v.Equity = v.Cash.Add(v.PositionsValue)
	return v
}

func (l *Ledger) sortedPositionsLocked() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

func (l *Ledger) sectionLocked() Section {
	orders := make([]Order, len(l.orders))
	copy(orders, l.orders)
	return Section{
		Cash:      l.cash,
		Positions: l.sortedPositionsLocked(),
		Orders:    orders,
	}
}

func (l *Ledger) persistLocked() error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveLedger(l.sectionLocked())
}

// undo captures the pre-mutation state of one key.
type undo struct {
	key     Key
	pos     Position
	existed bool
	cash    decimal.Decimal
	orders  int
}

func (l *Ledger) checkpointLocked(key Key) undo {
	p, ok := l.positions[key]
	return undo{key: key, pos: p, existed: ok, cash: l.cash, orders: len(l.orders)}
}

func (l *Ledger) rollbackLocked(u undo) {
	if u.existed {
		l.positions[u.key] = u.pos
	} else {
		delete(l.positions, u.key)
	}
	l.cash = u.cash
	l.orders = l.orders[:u.orders]
}

func (l *Ledger) commitLocked(u undo) error {
	if err := l.persistLocked(); err != nil {
		l.rollbackLocked(u)
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func validateFill(qty, price, feeRate decimal.Decimal) error {
	if !qty.IsPositive() {
		return apperr.New(apperr.CodeInvalidSize, "quantity must be positive, got %s", qty)
	}
	if !price.IsPositive() {
		return apperr.New(apperr.CodeInvalidSize, "price must be positive, got %s", price)
	}
	if feeRate.IsNegative() {
		return apperr.New(apperr.CodeInvalidSize, "fee rate must not be negative, got %s", feeRate)
	}
	return nil
}

func (l *Ledger) openOrAdd(key Key, qty, price, feeRate decimal.Decimal, meta Entry) (Fill, error) {
	if err := validateFill(qty, price, feeRate); err != nil {
		return Fill{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	notional := qty.Mul(price)
	fee := notional.Mul(feeRate)
	cost := notional.Add(fee)
	if cost.GreaterThan(l.cash) {
		return Fill{}, apperr.New(apperr.CodeInsufficientFunds, "need %s, have %s", cost.StringFixed(2), l.cash.StringFixed(2))
	}

	now := l.now()
	u := l.checkpointLocked(key)
	p := u.pos
	if !u.existed {
		p = Position{Market: key.Market, Symbol: key.Symbol, Quantity: decimal.Zero, AvgEntry: decimal.Zero, OpenedAt: now}
	}
	newQty := p.Quantity.Add(qty)
	p.AvgEntry = p.AvgEntry.Mul(p.Quantity).Add(price.Mul(qty)).Div(newQty)
	p.Quantity = newQty
	p.LastPrice = price
	p.LastPriceAt = now
	p.Stale = false

	order := l.newOrder(key, SideBuy, qty, price, fee, decimal.Zero, meta, now)
	l.positions[key] = p
	l.cash = l.cash.Sub(cost)
	l.orders = append(l.orders, order)

	if err := l.commitLocked(u); err != nil {
		return Fill{}, err
	}
	return Fill{Order: order, Position: p, CashAfter: l.cash}, nil
}

func (l *Ledger) reduceOrClose(key Key, qty, price, feeRate decimal.Decimal, meta Entry) (Fill, error) {
	if err := validateFill(qty, price, feeRate); err != nil {
		return Fill{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.checkpointLocked(key)
	if !u.existed {
		return Fill{}, apperr.New(apperr.CodeUnknownPosition, "no open position for %s", key)
	}
	p := u.pos
	if qty.GreaterThan(p.Quantity) {
		return Fill{}, apperr.New(apperr.CodeInvalidSize, "sell %s exceeds held %s for %s", qty, p.Quantity, key)
	}

	now := l.now()
	gross := qty.Mul(price)
	fee := gross.Mul(feeRate)
	realized := price.Sub(p.AvgEntry).Mul(qty).Sub(fee)

	order := l.newOrder(key, SideSell, qty, price, fee, realized, meta, now)
	p.Quantity = p.Quantity.Sub(qty)
	closed := p.Quantity.IsZero()
	if closed {
		delete(l.positions, key)
		p = Position{}
	} else {
		p.LastPrice = price
		p.LastPriceAt = now
		p.Stale = false
		l.positions[key] = p
	}
	l.cash = l.cash.Add(gross.Sub(fee))
	l.orders = append(l.orders, order)

	if err := l.commitLocked(u); err != nil {
		return Fill{}, err
	}
	return Fill{Order: order, Position: p, Closed: closed, CashAfter: l.cash}, nil
}

func (l *Ledger) raiseHighWater(key Key, price decimal.Decimal) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.checkpointLocked(key)
	if !u.existed {
		return false, apperr.New(apperr.CodeUnknownPosition, "no open position for %s", key)
	}
	p := u.pos
	if p.HighWater != nil && price.LessThanOrEqual(*p.HighWater) {
		return false, nil
	}
	hwm := price
	p.HighWater = &hwm
	l.positions[key] = p
	if err := l.commitLocked(u); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) newOrder(key Key, side Side, qty, price, fee, realized decimal.Decimal, meta Entry, at time.Time) Order {
	id := meta.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	return Order{
		ID:          id,
		Market:      key.Market,
		Symbol:      key.Symbol,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized,
		Reason:      meta.Reason,
		SignalRef:   meta.SignalRef,
		CreatedAt:   at,
	}
}

// Tx is the handle passed to WithPosition. It is only valid inside the
// callback.
type Tx struct {
	l    *Ledger
	key  Key
	done bool
}

func (tx *Tx) Key() Key { return tx.key }

// Position returns the current position for the locked key.
func (tx *Tx) Position() (Position, bool) { return tx.l.Position(tx.key) }

// Cash returns cash at this moment. Other keys may still move it.
func (tx *Tx) Cash() decimal.Decimal { return tx.l.Cash() }

// OpenOrAdd buys qty at price: weighted-mean entry, cash debited by
// qty*price*(1+feeRate).
func (tx *Tx) OpenOrAdd(qty, price, feeRate decimal.Decimal, meta Entry) (Fill, error) {
	if tx.done {
		return Fill{}, errTxDone
	}
	return tx.l.openOrAdd(tx.key, qty, price, feeRate, meta)
}

// ReduceOrClose sells qty at price: cash credited by qty*price*(1-feeRate),
// realized PnL (price-avg)*qty minus the exit fee. The position is removed at
// zero quantity.
func (tx *Tx) ReduceOrClose(qty, price, feeRate decimal.Decimal, meta Entry) (Fill, error) {
	if tx.done {
		return Fill{}, errTxDone
	}
	return tx.l.reduceOrClose(tx.key, qty, price, feeRate, meta)
}

// RaiseHighWater sets the trailing high-water mark if price exceeds it.
// Reports whether the mark changed.
func (tx *Tx) RaiseHighWater(price decimal.Decimal) (bool, error) {
	if tx.done {
		return false, errTxDone
	}
	return tx.l.raiseHighWater(tx.key, price)
}

type keyLocks struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func (k *keyLocks) lock(key Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[Key]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
