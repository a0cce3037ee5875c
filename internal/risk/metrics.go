package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
)

// Tracker accumulates realized performance from fills. A trade is a sell
// that realizes PnL, so TotalTrades == Wins + Losses + Breakeven. Buys only
// roll the day over.
type Tracker struct {
	mu      sync.RWMutex
	metrics RiskMetrics
	now     func() time.Time
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, metrics: RiskMetrics{Day: now().UTC().Format("2006-01-02")}}
}

// OnFill implements order.FillObserver.
func (t *Tracker) OnFill(_ context.Context, fill ledger.Fill) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.now().UTC().Format("2006-01-02")
	if day != t.metrics.Day {
		t.metrics.Day = day
		t.metrics.DailyPnL = decimal.Zero
		t.metrics.DailyTrades = 0
		t.metrics.DailyLosses = decimal.Zero
	}

	if fill.Order.Side != ledger.SideSell {
		return
	}
	m := &t.metrics
	m.DailyTrades++
	m.TotalTrades++

	net := fill.Order.RealizedPnL
	m.DailyPnL = m.DailyPnL.Add(net)
	switch net.Sign() {
	case 1:
		m.Wins++
	case -1:
		m.Losses++
		m.DailyLosses = m.DailyLosses.Add(net.Neg())
	default:
		m.Breakeven++
	}
	if decided := m.Wins + m.Losses; decided > 0 {
		m.WinRate = float64(m.Wins) / float64(decided)
	}

	m.TotalRealizedPnL = m.TotalRealizedPnL.Add(net)
	if m.TotalRealizedPnL.GreaterThan(m.MaxProfit) {
		m.MaxProfit = m.TotalRealizedPnL
	}
	if dd := m.MaxProfit.Sub(m.TotalRealizedPnL); dd.GreaterThan(m.MaxDrawdown) {
		m.MaxDrawdown = dd
	}
}

// Metrics returns a snapshot.
func (t *Tracker) Metrics() RiskMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metrics
}
