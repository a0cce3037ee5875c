package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
)

var btc = Key{Market: "crypto", Symbol: "BTC-USD"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type failingStore struct {
	fail  bool
	saves int
	last  Section
}

func (f *failingStore) SaveLedger(sec Section) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.saves++
	f.last = sec
	return nil
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestOpenOrAddWeightedAverage(t *testing.T) {
	l := New(d("1000"))
	if _, err := l.OpenOrAdd(btc, d("1"), d("100"), decimal.Zero, Entry{}); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	fill, err := l.OpenOrAdd(btc, d("3"), d("120"), decimal.Zero, Entry{})
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}
	if !fill.Position.Quantity.Equal(d("4")) {
		t.Fatalf("qty=%s, expected 4", fill.Position.Quantity)
	}
	if !fill.Position.AvgEntry.Equal(d("115")) {
		t.Fatalf("avg=%s, expected 115", fill.Position.AvgEntry)
	}
	if !l.Cash().Equal(d("540")) {
		t.Fatalf("cash=%s, expected 540", l.Cash())
	}
	if got := len(l.Orders(0)); got != 2 {
		t.Fatalf("orders=%d, expected 2", got)
	}
}

func TestOpenOrAddRejects(t *testing.T) {
	l := New(d("100"))
	cases := []struct {
		name  string
		qty   string
		price string
		fee   string
		code  apperr.Code
	}{
		{"zero qty", "0", "10", "0", apperr.CodeInvalidSize},
		{"negative price", "1", "-1", "0", apperr.CodeInvalidSize},
		{"fee pushes over cash", "1", "100", "0.001", apperr.CodeInsufficientFunds},
		{"too large", "2", "60", "0", apperr.CodeInsufficientFunds},
	}
	for _, tc := range cases {
		_, err := l.OpenOrAdd(btc, d(tc.qty), d(tc.price), d(tc.fee), Entry{})
		if got := apperr.CodeOf(err); got != tc.code {
			t.Fatalf("%s: code=%q, expected %q (err=%v)", tc.name, got, tc.code, err)
		}
	}
	if !l.Cash().Equal(d("100")) {
		t.Fatalf("rejected buys changed cash to %s", l.Cash())
	}
	if _, ok := l.Position(btc); ok {
		t.Fatalf("rejected buys created a position")
	}
}

func TestReduceOrCloseRealizedPnL(t *testing.T) {
	l := New(d("1000"))
	if _, err := l.OpenOrAdd(btc, d("2"), d("100"), decimal.Zero, Entry{}); err != nil {
		t.Fatal(err)
	}
	fill, err := l.ReduceOrClose(btc, d("1"), d("110"), d("0.01"), Entry{Reason: "take_profit"})
	if err != nil {
		t.Fatalf("partial sell: %v", err)
	}
	// (110-100)*1 - 1.10 fee
	if !fill.Order.RealizedPnL.Equal(d("8.9")) {
		t.Fatalf("realized=%s, expected 8.9", fill.Order.RealizedPnL)
	}
	if fill.Closed || !fill.Position.Quantity.Equal(d("1")) {
		t.Fatalf("expected 1 remaining, got closed=%v qty=%s", fill.Closed, fill.Position.Quantity)
	}
	if !l.Cash().Equal(d("908.9")) {
		t.Fatalf("cash=%s, expected 908.9", l.Cash())
	}

	fill, err = l.ReduceOrClose(btc, d("1"), d("90"), decimal.Zero, Entry{})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fill.Closed {
		t.Fatalf("expected position closed")
	}
	if _, ok := l.Position(btc); ok {
		t.Fatalf("closed position still present")
	}
	if !fill.Order.RealizedPnL.Equal(d("-10")) {
		t.Fatalf("realized=%s, expected -10", fill.Order.RealizedPnL)
	}
}

func TestReduceOrCloseRejects(t *testing.T) {
	l := New(d("1000"))
	if _, err := l.ReduceOrClose(btc, d("1"), d("100"), decimal.Zero, Entry{}); apperr.CodeOf(err) != apperr.CodeUnknownPosition {
		t.Fatalf("expected unknown_position, got %v", err)
	}
	if _, err := l.OpenOrAdd(btc, d("1"), d("100"), decimal.Zero, Entry{}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ReduceOrClose(btc, d("1.5"), d("100"), decimal.Zero, Entry{}); apperr.CodeOf(err) != apperr.CodeInvalidSize {
		t.Fatalf("expected invalid_size for oversell, got %v", err)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := &failingStore{}
	l := New(d("1000"), WithPersister(store))
	if _, err := l.OpenOrAdd(btc, d("1"), d("100"), decimal.Zero, Entry{}); err != nil {
		t.Fatal(err)
	}
	store.fail = true

	if _, err := l.OpenOrAdd(btc, d("1"), d("200"), decimal.Zero, Entry{}); err == nil {
		t.Fatalf("expected persist error")
	}
	if _, err := l.ReduceOrClose(btc, d("1"), d("150"), decimal.Zero, Entry{}); err == nil {
		t.Fatalf("expected persist error")
	}

	p, ok := l.Position(btc)
	if !ok || !p.Quantity.Equal(d("1")) || !p.AvgEntry.Equal(d("100")) {
		t.Fatalf("position not rolled back: %+v", p)
	}
	if !l.Cash().Equal(d("900")) {
		t.Fatalf("cash=%s, expected 900", l.Cash())
	}
	if got := len(l.Orders(0)); got != 1 {
		t.Fatalf("orders=%d, expected 1", got)
	}
	if store.saves != 1 || len(store.last.Positions) != 1 {
		t.Fatalf("unexpected store state: saves=%d", store.saves)
	}
}

func TestRaiseHighWaterOnlyIncreases(t *testing.T) {
	l := New(d("1000"))
	if _, err := l.OpenOrAdd(btc, d("1"), d("100"), decimal.Zero, Entry{}); err != nil {
		t.Fatal(err)
	}
	err := l.WithPosition(btc, func(tx *Tx) error {
		if changed, err := tx.RaiseHighWater(d("105")); err != nil || !changed {
			t.Fatalf("first raise changed=%v err=%v", changed, err)
		}
		if changed, _ := tx.RaiseHighWater(d("103")); changed {
			t.Fatalf("lower price must not move the high-water mark")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := l.Position(btc)
	if p.HighWater == nil || !p.HighWater.Equal(d("105")) {
		t.Fatalf("high water=%v, expected 105", p.HighWater)
	}
}

func TestTxInvalidAfterCallback(t *testing.T) {
	l := New(d("1000"))
	var leaked *Tx
	_ = l.WithPosition(btc, func(tx *Tx) error {
		leaked = tx
		return nil
	})
	if _, err := leaked.OpenOrAdd(d("1"), d("1"), decimal.Zero, Entry{}); !errors.Is(err, errTxDone) {
		t.Fatalf("expected errTxDone, got %v", err)
	}
}

func TestMarkToMarketFlagsStale(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(d("1000"), WithClock(fixedClock(now)))
	eth := Key{Market: "crypto", Symbol: "ETH-USD"}
	if _, err := l.OpenOrAdd(btc, d("1"), d("100"), decimal.Zero, Entry{}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.OpenOrAdd(eth, d("2"), d("50"), decimal.Zero, Entry{}); err != nil {
		t.Fatal(err)
	}

	v, err := l.MarkToMarket(map[Key]Mark{btc: {Price: d("110"), At: now}})
	if err != nil {
		t.Fatal(err)
	}
	// eth keeps its last mark of 50 and is flagged, still counted
	if !v.PositionsValue.Equal(d("210")) {
		t.Fatalf("positions value=%s, expected 210", v.PositionsValue)
	}
	if !v.Equity.Equal(v.Cash.Add(v.PositionsValue)) {
		t.Fatalf("equity identity broken: %s != %s + %s", v.Equity, v.Cash, v.PositionsValue)
	}
	if len(v.Stale) != 1 || v.Stale[0] != eth {
		t.Fatalf("stale=%v, expected [%s]", v.Stale, eth)
	}
	if apperr.CodeOf(v.StaleErr()) != apperr.CodeStalePrice {
		t.Fatalf("expected stale_price condition")
	}
}

func TestConcurrentMutationsKeepInvariants(t *testing.T) {
	l := New(d("10000"))
	keys := []Key{
		{Market: "crypto", Symbol: "BTC-USD"},
		{Market: "crypto", Symbol: "ETH-USD"},
		{Market: "stocks", Symbol: "AAPL"},
		{Market: "stocks", Symbol: "MSFT"},
	}
	var wg sync.WaitGroup
	for _, k := range keys {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(k Key, i int) {
				defer wg.Done()
				if i%3 == 2 {
					_, _ = l.ReduceOrClose(k, d("1"), d("101"), d("0.001"), Entry{})
					return
				}
				_, _ = l.OpenOrAdd(k, d("1"), d("100"), d("0.001"), Entry{})
			}(k, i)
		}
	}
	wg.Wait()

	v := l.Snapshot()
	if v.Cash.IsNegative() {
		t.Fatalf("cash went negative: %s", v.Cash)
	}
	if !v.Equity.Equal(v.Cash.Add(v.PositionsValue)) {
		t.Fatalf("equity identity broken")
	}

	// replaying the order history must reproduce cash
	cash := d("10000")
	for _, o := range l.Orders(0) {
		if o.Side == SideBuy {
			cash = cash.Sub(o.Notional().Add(o.Fee))
		} else {
			cash = cash.Add(o.Notional().Sub(o.Fee))
		}
	}
	if !cash.Equal(v.Cash) {
		t.Fatalf("history replay cash=%s, ledger cash=%s", cash, v.Cash)
	}
}

func TestRestoreValidates(t *testing.T) {
	good := Section{
		Cash: d("500"),
		Positions: []Position{{
			Market: "crypto", Symbol: "BTC-USD", Quantity: d("1"), AvgEntry: d("100"),
		}},
	}
	l, err := Restore(good)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if p, ok := l.Position(btc); !ok || !p.Quantity.Equal(d("1")) {
		t.Fatalf("restored position missing")
	}

	bad := []Section{
		{Cash: d("-1")},
		{Cash: d("1"), Positions: []Position{{Market: "crypto", Symbol: "X", Quantity: d("0"), AvgEntry: d("1")}}},
		{Cash: d("1"), Positions: []Position{good.Positions[0], good.Positions[0]}},
	}
	for i, sec := range bad {
		if _, err := Restore(sec); err == nil {
			t.Fatalf("case %d: expected restore error", i)
		}
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("crypto:BTC-USD")
	if err != nil || k != btc {
		t.Fatalf("ParseKey=%v, %v", k, err)
	}
	for _, s := range []string{"", "crypto", ":BTC", "crypto:"} {
		if _, err := ParseKey(s); err == nil {
			t.Fatalf("ParseKey(%q) expected error", s)
		}
	}
}
