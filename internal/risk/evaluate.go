package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
	"execution-core/pkg/config"
)

var one = decimal.NewFromInt(1)

func pct(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// Evaluate applies the exit rules to pos at mark. The first matching rule
// wins, in order: stop-loss, take-profit, trailing stop, age. A rule whose
// threshold is 0 is disabled.
func Evaluate(pos ledger.Position, mark decimal.Decimal, p config.RiskPolicy, now time.Time) Decision {
	if !pos.AvgEntry.IsPositive() || !mark.IsPositive() {
		return Decision{}
	}
	change := mark.Sub(pos.AvgEntry).Div(pos.AvgEntry)

	if p.StopLossPct > 0 && change.LessThanOrEqual(pct(p.StopLossPct).Neg()) {
		return Decision{Close: true, Reason: ReasonStopLoss,
			Detail: fmt.Sprintf("change %s%% <= -%s%%", change.Shift(2).StringFixed(2), pct(p.StopLossPct).Shift(2).StringFixed(2))}
	}
	if p.TakeProfitPct > 0 && change.GreaterThanOrEqual(pct(p.TakeProfitPct)) {
		return Decision{Close: true, Reason: ReasonTakeProfit,
			Detail: fmt.Sprintf("change %s%% >= %s%%", change.Shift(2).StringFixed(2), pct(p.TakeProfitPct).Shift(2).StringFixed(2))}
	}

	var d Decision
	if p.TrailingActivationPct > 0 && p.TrailingTrailPct > 0 {
		hwm := pos.HighWater
		switch {
		case hwm == nil && change.GreaterThanOrEqual(pct(p.TrailingActivationPct)):
			m := mark
			hwm = &m
			d.HighWater = hwm
		case hwm != nil && mark.GreaterThan(*hwm):
			m := mark
			hwm = &m
			d.HighWater = hwm
		}
		if hwm != nil {
			stop := hwm.Mul(one.Sub(pct(p.TrailingTrailPct)))
			if mark.LessThanOrEqual(stop) {
				d.Close = true
				d.Reason = ReasonTrailingStop
				d.Detail = fmt.Sprintf("price %s <= trail stop %s (high %s)", mark, stop, *hwm)
				return d
			}
		}
	}

	if p.MaxPositionAgeHours > 0 && !pos.OpenedAt.IsZero() {
		limit := time.Duration(p.MaxPositionAgeHours * float64(time.Hour))
		if age := now.Sub(pos.OpenedAt); age >= limit {
			d.Close = true
			d.Reason = ReasonAgeLimit
			d.Detail = fmt.Sprintf("held %s >= %s", age.Truncate(time.Minute), limit)
			return d
		}
	}
	return d
}
