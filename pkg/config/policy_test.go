package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"execution-core/internal/apperr"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if p.Sizing.BuyFraction != 0.1 {
		t.Fatalf("BuyFraction=%v, expected 0.1", p.Sizing.BuyFraction)
	}
	if p.Schedule.RiskCheckInterval != 5*time.Minute || p.Schedule.MonitorInterval != 15*time.Minute {
		t.Fatalf("unexpected schedule %+v", p.Schedule)
	}
}

func TestParsePolicyOverridesDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte(`
risk:
  stop_loss_pct: 0.02
  max_exposure_pct: 0.5
  max_position_age_hours: 48
schedule:
  risk_check_interval: 1m
`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.Risk.StopLossPct != 0.02 || p.Risk.MaxExposurePct != 0.5 || p.Risk.MaxPositionAgeHours != 48 {
		t.Fatalf("risk not applied: %+v", p.Risk)
	}
	if p.Risk.TakeProfitPct != 0.08 {
		t.Fatalf("TakeProfitPct=%v, expected default 0.08", p.Risk.TakeProfitPct)
	}
	if p.Schedule.RiskCheckInterval != time.Minute {
		t.Fatalf("RiskCheckInterval=%v", p.Schedule.RiskCheckInterval)
	}
}

func TestParsePolicyRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown key", "risk:\n  stop_loss: 0.02\n"},
		{"negative stop", "risk:\n  stop_loss_pct: -0.1\n"},
		{"exposure above one", "risk:\n  max_exposure_pct: 1.5\n"},
		{"zero buy fraction", "sizing:\n  buy_fraction: 0\n"},
		{"half trailing", "risk:\n  trailing_activation_pct: 0.05\n  trailing_trail_pct: 0\n"},
		{"bad yaml", "risk: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tc.yaml))
			if !errors.Is(err, apperr.ErrConfigInvalid) {
				t.Fatalf("err=%v, expected config_invalid", err)
			}
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("sizing:\n  cooldown: 30m\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Sizing.Cooldown != 30*time.Minute {
		t.Fatalf("Cooldown=%v", p.Sizing.Cooldown)
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, apperr.ErrConfigInvalid) {
		t.Fatalf("missing file err=%v", err)
	}
}
