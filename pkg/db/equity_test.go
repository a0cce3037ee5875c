package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEquityStoreQueries(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	s := database.Equity()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest on empty store err=%v", err)
	}

	for i, eq := range []string{"1000", "1010.5", "990.25"} {
		v := decimal.RequireFromString(eq)
		snap := EquitySnapshot{At: base.Add(time.Duration(i) * time.Hour), Cash: v, PositionsValue: decimal.Zero, Equity: v, Reason: "monitor"}
		if _, err := s.Insert(ctx, snap); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	latest, err := s.Latest(ctx)
	if err != nil || !latest.Equity.Equal(decimal.RequireFromString("990.25")) {
		t.Fatalf("Latest=%+v err=%v", latest, err)
	}
	prior, err := s.AtOrBefore(ctx, base.Add(90*time.Minute))
	if err != nil || !prior.Equity.Equal(decimal.RequireFromString("1010.5")) {
		t.Fatalf("AtOrBefore=%+v err=%v", prior, err)
	}
	if _, err := s.AtOrBefore(ctx, base.Add(-time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AtOrBefore before first snapshot err=%v", err)
	}
	series, err := s.Since(ctx, base.Add(time.Hour), 0)
	if err != nil || len(series) != 2 || !series[0].At.Equal(base.Add(time.Hour)) {
		t.Fatalf("Since=%+v err=%v", series, err)
	}
}

func TestGuardAuditLog(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	log := database.GuardAudit()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if err := log.Insert(ctx, GuardAudit{FromMode: "live", ToMode: "locked", Reason: "drawdown", Actor: "ops", At: at}); err != nil {
		t.Fatal(err)
	}
	if err := log.Insert(ctx, GuardAudit{FromMode: "locked", ToMode: "close_only", Reason: "review", Actor: "ops", At: at.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	rows, err := log.List(ctx, 10)
	if err != nil || len(rows) != 2 || rows[0].ToMode != "close_only" || !rows[1].At.Equal(at) {
		t.Fatalf("List=%+v err=%v", rows, err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
}
