package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
)

// ExposureGuard denies new entries once positions_value/equity reaches the
// policy limit. It is never consulted for closes.
type ExposureGuard struct {
	ledger *ledger.Ledger
	policy *PolicyStore
}

func NewExposureGuard(l *ledger.Ledger, policy *PolicyStore) *ExposureGuard {
	return &ExposureGuard{ledger: l, policy: policy}
}

// CanOpen checks current exposure from the ledger's latest valuation. The
// proposed notional is reported but not added to the ratio.
func (g *ExposureGuard) CanOpen(key ledger.Key, notional decimal.Decimal) ExposureDecision {
	pol, err := g.policy.Policy()
	if err != nil {
		return ExposureDecision{Code: apperr.CodeConfigInvalid, Reason: apperr.MessageOf(err)}
	}
	limit := pct(pol.Risk.MaxExposurePct)
	v := g.ledger.Snapshot()

	exposure, ok := v.Exposure()
	if !ok {
		if len(v.Positions) > 0 {
			return ExposureDecision{
				Code:   apperr.CodeExposureExceeded,
				Reason: fmt.Sprintf("equity %s with %d open positions; entries denied for %s", v.Equity.StringFixed(2), len(v.Positions), key),
				Limit:  limit,
			}
		}
		return ExposureDecision{Allowed: true, Limit: limit}
	}
	if limit.IsZero() {
		return ExposureDecision{Allowed: true, Exposure: exposure, Limit: limit}
	}
	if exposure.GreaterThanOrEqual(limit) {
		return ExposureDecision{
			Code: apperr.CodeExposureExceeded,
			Reason: fmt.Sprintf("exposure %s%% >= limit %s%%; entry %s for %s denied",
				exposure.Shift(2).StringFixed(2), limit.Shift(2).StringFixed(2), notional.StringFixed(2), key),
			Exposure: exposure,
			Limit:    limit,
		}
	}
	return ExposureDecision{Allowed: true, Exposure: exposure, Limit: limit}
}
