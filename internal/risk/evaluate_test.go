package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
	"execution-core/pkg/config"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPolicy() config.RiskPolicy {
	return config.RiskPolicy{
		StopLossPct:           0.03,
		TakeProfitPct:         0.5,
		TrailingActivationPct: 0.05,
		TrailingTrailPct:      0.015,
		MaxExposurePct:        0.8,
	}
}

func TestEvaluateRules(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	hwm106 := d("106")
	base := ledger.Position{Market: "crypto", Symbol: "BTC-USD", Quantity: d("1"), AvgEntry: d("100"), OpenedAt: now.Add(-time.Hour)}
	withHWM := base
	withHWM.HighWater = &hwm106

	tight := testPolicy()
	tight.TakeProfitPct = 0.02
	aged := testPolicy()
	aged.MaxPositionAgeHours = 1
	off := config.RiskPolicy{}

	cases := []struct {
		name      string
		pos       ledger.Position
		mark      string
		policy    config.RiskPolicy
		close     bool
		reason    CloseReason
		highWater string
	}{
		{"hold", base, "101", testPolicy(), false, "", ""},
		{"stop loss exact", base, "97", testPolicy(), true, ReasonStopLoss, ""},
		{"stop loss below", base, "90", testPolicy(), true, ReasonStopLoss, ""},
		{"take profit", base, "102", tight, true, ReasonTakeProfit, ""},
		{"trailing activates", base, "106", testPolicy(), false, "", "106"},
		{"trailing below activation", base, "104", testPolicy(), false, "", ""},
		{"trailing raises mark", withHWM, "108", testPolicy(), false, "", "108"},
		{"trailing boundary inclusive", withHWM, "104.41", testPolicy(), true, ReasonTrailingStop, ""},
		{"trailing just above", withHWM, "104.42", testPolicy(), false, "", ""},
		{"trailing fires", withHWM, "104.3", testPolicy(), true, ReasonTrailingStop, ""},
		{"age limit", base, "100", aged, true, ReasonAgeLimit, ""},
		{"all rules disabled", withHWM, "50", off, false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.pos, d(tc.mark), tc.policy, now)
			if got.Close != tc.close || got.Reason != tc.reason {
				t.Fatalf("Close=%v Reason=%q, expected %v %q (%s)", got.Close, got.Reason, tc.close, tc.reason, got.Detail)
			}
			if tc.highWater == "" && got.HighWater != nil && !got.Close {
				t.Fatalf("unexpected high water %s", got.HighWater)
			}
			if tc.highWater != "" && (got.HighWater == nil || !got.HighWater.Equal(d(tc.highWater))) {
				t.Fatalf("HighWater=%v, expected %s", got.HighWater, tc.highWater)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := ledger.Position{Quantity: d("1"), AvgEntry: d("100"), OpenedAt: now.Add(-48 * time.Hour)}
	p := testPolicy()
	p.MaxPositionAgeHours = 24

	if got := Evaluate(pos, d("94"), p, now); got.Reason != ReasonStopLoss {
		t.Fatalf("Reason=%q, expected stop_loss ahead of age_limit", got.Reason)
	}
	if got := Evaluate(pos, d("100"), p, now); got.Reason != ReasonAgeLimit {
		t.Fatalf("Reason=%q, expected age_limit", got.Reason)
	}
}
