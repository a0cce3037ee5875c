package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
)

var btc = ledger.Key{Market: "crypto", Symbol: "BTC-USD"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingObserver struct{ fills []ledger.Fill }

func (r *recordingObserver) OnFill(_ context.Context, f ledger.Fill) { r.fills = append(r.fills, f) }

func newSim(cash string, cfg SimConfig, opts ...Option) (*Simulator, *ledger.Ledger) {
	l := ledger.New(d(cash))
	return NewSimulator(l, cfg, opts...), l
}

// 10% of $1000 at $100 buys one unit; the fee comes out of cash on top.
func TestBuyFractionOfCash(t *testing.T) {
	sim, l := newSim("1000", SimConfig{FeeRate: d("0.001")})
	o, err := sim.Execute(context.Background(), Intent{Direction: Buy, Key: btc, Size: Fraction(d("0.1")), Price: d("100"), Reason: "signal"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !o.Quantity.Equal(d("1")) {
		t.Fatalf("qty=%s, expected 1", o.Quantity)
	}
	if !o.Fee.Equal(d("0.1")) {
		t.Fatalf("fee=%s, expected 0.1", o.Fee)
	}
	if !l.Cash().Equal(d("899.9")) {
		t.Fatalf("cash=%s, expected 899.9", l.Cash())
	}
	if o.ID == "" || o.Side != ledger.SideBuy || o.Reason != "signal" || o.CreatedAt.IsZero() {
		t.Fatalf("order not fully populated: %+v", o)
	}
}

func TestSlippageMovesFillAgainstTaker(t *testing.T) {
	sim, _ := newSim("10000", SimConfig{SlippageBps: d("10")})
	buy, err := sim.Execute(context.Background(), Intent{Direction: Buy, Key: btc, Size: Qty(d("2")), Price: d("100")})
	if err != nil {
		t.Fatal(err)
	}
	if !buy.Price.Equal(d("100.1")) {
		t.Fatalf("buy fill=%s, expected 100.1", buy.Price)
	}
	sell, err := sim.Execute(context.Background(), Intent{Direction: Sell, Key: btc, Size: Qty(d("1")), Price: d("100")})
	if err != nil {
		t.Fatal(err)
	}
	if !sell.Price.Equal(d("99.9")) {
		t.Fatalf("sell fill=%s, expected 99.9", sell.Price)
	}
}

func TestFullFractionIsTrimmedForFee(t *testing.T) {
	sim, l := newSim("1000", SimConfig{FeeRate: d("0.01")})
	o, err := sim.Execute(context.Background(), Intent{Direction: Buy, Key: btc, Size: Fraction(d("1")), Price: d("100")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if o.Quantity.GreaterThanOrEqual(d("10")) {
		t.Fatalf("qty=%s should have been trimmed below 10", o.Quantity)
	}
	if l.Cash().IsNegative() {
		t.Fatalf("cash negative: %s", l.Cash())
	}
}

func TestSellSizes(t *testing.T) {
	sim, l := newSim("1000", SimConfig{})
	ctx := context.Background()
	if _, err := sim.Execute(ctx, Intent{Direction: Buy, Key: btc, Size: Qty(d("4")), Price: d("100")}); err != nil {
		t.Fatal(err)
	}

	o, err := sim.Execute(ctx, Intent{Direction: Sell, Key: btc, Size: Fraction(d("0.25")), Price: d("110")})
	if err != nil || !o.Quantity.Equal(d("1")) {
		t.Fatalf("fraction sell qty=%s err=%v", o.Quantity, err)
	}
	o, err = sim.Execute(ctx, Intent{Direction: Sell, Key: btc, Size: All(), Price: d("110")})
	if err != nil || !o.Quantity.Equal(d("3")) {
		t.Fatalf("full close qty=%s err=%v", o.Quantity, err)
	}
	if _, ok := l.Position(btc); ok {
		t.Fatalf("position should be closed")
	}
}

func TestExecuteErrors(t *testing.T) {
	sim, _ := newSim("100", SimConfig{})
	ctx := context.Background()
	cases := []struct {
		name string
		in   Intent
		code apperr.Code
	}{
		{"sell without position", Intent{Direction: Sell, Key: btc, Price: d("100")}, apperr.CodeUnknownPosition},
		{"buy too large", Intent{Direction: Buy, Key: btc, Size: Qty(d("2")), Price: d("100")}, apperr.CodeInsufficientFunds},
		{"fraction above one", Intent{Direction: Buy, Key: btc, Size: Fraction(d("1.5")), Price: d("10")}, apperr.CodeInvalidSize},
		{"no size on buy", Intent{Direction: Buy, Key: btc, Price: d("10")}, apperr.CodeInvalidSize},
		{"zero price", Intent{Direction: Buy, Key: btc, Size: Qty(d("1")), Price: decimal.Zero}, apperr.CodeInvalidSize},
		{"unknown direction", Intent{Direction: "hold", Key: btc, Size: Qty(d("1")), Price: d("1")}, apperr.CodeInvalidSize},
	}
	for _, tc := range cases {
		_, err := sim.Execute(ctx, tc.in)
		if got := apperr.CodeOf(err); got != tc.code {
			t.Fatalf("%s: code=%q, expected %q (err=%v)", tc.name, got, tc.code, err)
		}
	}
}

func TestSettleEmitsEventsAndNotifiesObservers(t *testing.T) {
	bus := events.NewBus()
	executed, unsubExec := bus.Subscribe(events.EventOrderExecuted, 4)
	defer unsubExec()
	closed, unsubClosed := bus.Subscribe(events.EventPositionClosed, 4)
	defer unsubClosed()
	obs := &recordingObserver{}

	sim, _ := newSim("1000", SimConfig{}, WithBus(bus), WithObserver(obs))
	ctx := context.Background()
	if _, err := sim.Execute(ctx, Intent{Direction: Buy, Key: btc, Size: Qty(d("1")), Price: d("100")}); err != nil {
		t.Fatal(err)
	}
	if _, err := sim.Execute(ctx, Intent{Direction: Sell, Key: btc, Price: d("97"), Reason: "stop_loss"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-executed:
		case <-time.After(time.Second):
			t.Fatalf("missing order.executed event %d", i)
		}
	}
	select {
	case ev := <-closed:
		pc := ev.(events.PositionClosed)
		if pc.Reason != "stop_loss" || !pc.RealizedPnL.Equal(d("-3")) {
			t.Fatalf("unexpected position.closed %+v", pc)
		}
	case <-time.After(time.Second):
		t.Fatalf("missing position.closed event")
	}
	if len(obs.fills) != 2 || !obs.fills[1].Closed {
		t.Fatalf("observer fills=%+v", obs.fills)
	}
}

type ctxObserver struct{ errs []error }

func (o *ctxObserver) OnFill(ctx context.Context, _ ledger.Fill) { o.errs = append(o.errs, ctx.Err()) }

func TestSettleIgnoresCallerCancellation(t *testing.T) {
	obs := &ctxObserver{}
	sim, l := newSim("1000", SimConfig{}, WithObserver(obs))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sim.Execute(ctx, Intent{Direction: Buy, Key: btc, Size: Qty(d("1")), Price: d("100")}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := l.Position(btc); !ok {
		t.Fatalf("fill should be committed")
	}
	if len(obs.errs) != 1 || obs.errs[0] != nil {
		t.Fatalf("observer saw ctx errors %v", obs.errs)
	}
}
