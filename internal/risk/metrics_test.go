package risk

import (
	"context"
	"testing"
	"time"

	"execution-core/internal/ledger"
)

func TestTrackerAccumulates(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	tr := NewTracker(func() time.Time { return now })
	ctx := context.Background()

	sell := func(pnl string) ledger.Fill {
		return ledger.Fill{Order: ledger.Order{Side: ledger.SideSell, RealizedPnL: d(pnl)}}
	}
	tr.OnFill(ctx, ledger.Fill{Order: ledger.Order{Side: ledger.SideBuy}})
	tr.OnFill(ctx, sell("10"))
	tr.OnFill(ctx, sell("-4"))
	tr.OnFill(ctx, sell("-3"))

	m := tr.Metrics()
	if m.TotalTrades != 3 || m.DailyTrades != 3 {
		t.Fatalf("trades=%d daily=%d, expected 3 realizing sells", m.TotalTrades, m.DailyTrades)
	}
	if !m.TotalRealizedPnL.Equal(d("3")) || !m.MaxProfit.Equal(d("10")) || !m.MaxDrawdown.Equal(d("7")) {
		t.Fatalf("pnl=%s max=%s dd=%s", m.TotalRealizedPnL, m.MaxProfit, m.MaxDrawdown)
	}
	if m.Wins != 1 || m.Losses != 2 || !m.DailyLosses.Equal(d("7")) {
		t.Fatalf("wins=%d losses=%d daily losses=%s", m.Wins, m.Losses, m.DailyLosses)
	}

	now = now.Add(24 * time.Hour)
	tr.OnFill(ctx, sell("1"))
	m = tr.Metrics()
	if m.DailyTrades != 1 || !m.DailyPnL.Equal(d("1")) || m.TotalTrades != 4 {
		t.Fatalf("daily counters not reset: %+v", m)
	}
}

func TestTrackerTradesMatchOutcomes(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	for _, f := range []ledger.Fill{
		{Order: ledger.Order{Side: ledger.SideBuy}},
		{Order: ledger.Order{Side: ledger.SideBuy}},
		{Order: ledger.Order{Side: ledger.SideSell, RealizedPnL: d("5")}},
		{Order: ledger.Order{Side: ledger.SideSell, RealizedPnL: d("0")}},
		{Order: ledger.Order{Side: ledger.SideSell, RealizedPnL: d("-2")}},
	} {
		tr.OnFill(ctx, f)
	}

	m := tr.Metrics()
	if m.TotalTrades != m.Wins+m.Losses+m.Breakeven {
		t.Fatalf("total=%d wins=%d losses=%d breakeven=%d", m.TotalTrades, m.Wins, m.Losses, m.Breakeven)
	}
	if m.TotalTrades != 3 || m.Breakeven != 1 || m.WinRate != 0.5 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
