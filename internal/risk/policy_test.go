package risk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
)

func TestPolicyStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("risk:\n  max_exposure_pct: 0.6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewPolicyStore(path, config.DefaultPolicy(), zerolog.Nop())
	var notified []float64
	s.OnChange(func(p config.Policy) { notified = append(notified, p.Risk.MaxExposurePct) })

	p, err := s.Reload()
	if err != nil || p.Risk.MaxExposurePct != 0.6 {
		t.Fatalf("Reload=%+v err=%v", p.Risk, err)
	}

	if err := os.WriteFile(path, []byte("risk:\n  unknown_field: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reload(); !errors.Is(err, apperr.ErrConfigInvalid) {
		t.Fatalf("err=%v, expected config_invalid", err)
	}
	if _, err := s.Policy(); !errors.Is(err, apperr.ErrConfigInvalid) {
		t.Fatalf("Policy() err=%v, expected config_invalid while invalid", err)
	}
	if s.Current().Risk.MaxExposurePct != 0.6 {
		t.Fatalf("last good policy lost")
	}
	if st := s.Status(); st.Valid || st.Error == "" {
		t.Fatalf("status=%+v", st)
	}

	good := config.DefaultPolicy()
	good.Risk.MaxExposurePct = 0.7
	if err := s.Update(good); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Policy(); err != nil {
		t.Fatalf("Policy() after fix: %v", err)
	}
	if len(notified) != 2 || notified[1] != 0.7 {
		t.Fatalf("notified=%v", notified)
	}
}
