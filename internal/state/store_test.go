package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"execution-core/internal/guard"
	"execution-core/internal/ledger"
)

func TestOpenMissingFile(t *testing.T) {
	s, found, err := Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil || found {
		t.Fatalf("Open missing: found=%v err=%v", found, err)
	}
	if s.Document().Version != SchemaVersion {
		t.Fatalf("fresh document version=%d", s.Document().Version)
	}
}

func TestLedgerRoundTripThroughStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, _, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New(decimal.NewFromInt(1000), ledger.WithPersister(s))
	key := ledger.Key{Market: "crypto", Symbol: "BTC-USD"}
	if _, err := l.OpenOrAdd(key, decimal.NewFromInt(2), decimal.NewFromInt(100), decimal.Zero, ledger.Entry{Reason: "signal"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveGuard(guard.State{Mode: guard.ModeCloseOnly, Reason: "maintenance", Actor: "ops"}); err != nil {
		t.Fatal(err)
	}

	reopened, found, err := Open(path)
	if err != nil || !found {
		t.Fatalf("reopen: found=%v err=%v", found, err)
	}
	doc := reopened.Document()
	if doc.Guard.Mode != guard.ModeCloseOnly {
		t.Fatalf("guard mode=%s", doc.Guard.Mode)
	}
	restored, err := ledger.Restore(doc.Ledger)
	if err != nil {
		t.Fatal(err)
	}
	if !restored.Cash().Equal(decimal.NewFromInt(800)) {
		t.Fatalf("cash=%s, expected 800", restored.Cash())
	}
	p, ok := restored.Position(key)
	if !ok || !p.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("position not restored: %+v", p)
	}
	if len(restored.Orders(0)) != 1 {
		t.Fatalf("order history not restored")
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version":2,"ledger":{"cash":"1"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Open(path); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err=%v, expected ErrUnsupportedVersion", err)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version":1,`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Open(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFailedWriteKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, _, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveGuard(guard.State{Mode: guard.ModeLive, Reason: "startup"}); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// a directory at the target path makes the rename fail
	s.path = filepath.Join(dir, "blocked")
	if err := os.Mkdir(filepath.Join(s.path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.path, "x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveGuard(guard.State{Mode: guard.ModeLocked, Reason: "halt"}); err == nil {
		t.Fatalf("expected write failure")
	}
	if s.Document().Guard.Mode != guard.ModeLive {
		t.Fatalf("in-memory document advanced after failed write")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("original state file modified")
	}
}

func TestRecoverSeedsFileBeforeGuardSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, l, found, err := Recover(path, decimal.NewFromInt(10000))
	if err != nil || found {
		t.Fatalf("Recover fresh: found=%v err=%v", found, err)
	}
	if !l.Cash().Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("seeded cash=%s", l.Cash())
	}

	// a guard change before any ledger mutation
	g := guard.New(store.Document().Guard, guard.WithPersister(store))
	if _, err := g.Set(context.Background(), guard.ModeLocked, "incident", "ops"); err != nil {
		t.Fatalf("guard Set: %v", err)
	}

	store2, restored, found, err := Recover(path, decimal.NewFromInt(1))
	if err != nil || !found {
		t.Fatalf("Recover after restart: found=%v err=%v", found, err)
	}
	if !restored.Cash().Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("restored cash=%s, expected 10000", restored.Cash())
	}
	if mode := store2.Document().Guard.Mode; mode != guard.ModeLocked {
		t.Fatalf("restored guard mode=%s", mode)
	}
}

func TestRecoverKeepsMutationsAndGuardAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	key := ledger.Key{Market: "crypto", Symbol: "ETH-USD"}

	store, l, _, err := Recover(path, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.OpenOrAdd(key, decimal.NewFromInt(3), decimal.NewFromInt(100), decimal.Zero, ledger.Entry{Reason: "signal"}); err != nil {
		t.Fatal(err)
	}
	g := guard.New(store.Document().Guard, guard.WithPersister(store))
	if _, err := g.Set(context.Background(), guard.ModeCloseOnly, "drawdown", "ops"); err != nil {
		t.Fatal(err)
	}

	// restored ledger keeps persisting through the new store
	store2, l2, found, err := Recover(path, decimal.NewFromInt(1000))
	if err != nil || !found {
		t.Fatalf("restart 1: found=%v err=%v", found, err)
	}
	if _, err := l2.ReduceOrClose(key, decimal.NewFromInt(1), decimal.NewFromInt(110), decimal.Zero, ledger.Entry{Reason: "signal"}); err != nil {
		t.Fatal(err)
	}
	if store2.Document().Guard.Mode != guard.ModeCloseOnly {
		t.Fatalf("guard lost after ledger save: %+v", store2.Document().Guard)
	}

	store3, l3, _, err := Recover(path, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatal(err)
	}
	if !l3.Cash().Equal(decimal.NewFromInt(810)) {
		t.Fatalf("cash=%s, expected 810", l3.Cash())
	}
	p, ok := l3.Position(key)
	if !ok || !p.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("position=%+v", p)
	}
	if len(l3.Orders(0)) != 2 || store3.Document().Guard.Mode != guard.ModeCloseOnly {
		t.Fatalf("orders=%d guard=%s", len(l3.Orders(0)), store3.Document().Guard.Mode)
	}
}
