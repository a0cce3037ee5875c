package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/pkg/db"
)

type memStore struct {
	fail  bool
	saved []State
}

func (m *memStore) SaveGuard(s State) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, s)
	return nil
}

type memAudit struct{ rows [][2]State }

func (m *memAudit) RecordGuardChange(_ context.Context, from, to State) error {
	m.rows = append(m.rows, [2]State{from, to})
	return nil
}

func TestCheckByMode(t *testing.T) {
	cases := []struct {
		mode    Mode
		action  Action
		blocked bool
	}{
		{ModeLive, ActionOpen, false},
		{ModeLive, ActionClose, false},
		{ModeLive, ActionRiskClose, false},
		{ModeCloseOnly, ActionOpen, true},
		{ModeCloseOnly, ActionClose, false},
		{ModeCloseOnly, ActionRiskClose, false},
		{ModeLocked, ActionOpen, true},
		{ModeLocked, ActionClose, true},
		{ModeLocked, ActionRiskClose, true},
	}
	for _, tc := range cases {
		g := New(State{Mode: tc.mode, Reason: "test"})
		err := g.Check(tc.action)
		if blocked := errors.Is(err, apperr.ErrGuardBlocked); blocked != tc.blocked {
			t.Fatalf("%s/%s: blocked=%v, expected %v", tc.mode, tc.action, blocked, tc.blocked)
		}
	}
}

func TestSetPersistsAuditsAndPublishes(t *testing.T) {
	store := &memStore{}
	audit := &memAudit{}
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventGuardChanged, 1)
	defer unsub()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	g := New(State{}, WithPersister(store), WithAuditor(audit), WithBus(bus), WithClock(func() time.Time { return now }))
	if g.State().Mode != ModeLive {
		t.Fatalf("initial mode=%s, expected live", g.State().Mode)
	}
	st, err := g.Set(context.Background(), ModeLocked, "drawdown breach", "ops")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if st.Mode != ModeLocked || st.Actor != "ops" || !st.ChangedAt.Equal(now) {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(store.saved) != 1 || len(audit.rows) != 1 || audit.rows[0][0].Mode != ModeLive {
		t.Fatalf("persist/audit not recorded: %+v %+v", store.saved, audit.rows)
	}
	ev := (<-ch).(events.GuardChanged)
	if ev.From != "live" || ev.To != "locked" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSetRequiresReasonAndValidMode(t *testing.T) {
	g := New(State{})
	if _, err := g.Set(context.Background(), ModeLocked, " ", "ops"); err == nil {
		t.Fatalf("expected error for empty reason")
	}
	if _, err := g.Set(context.Background(), Mode("paused"), "x", "ops"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestPersistFailureOnlyTightens(t *testing.T) {
	store := &memStore{fail: true}
	g := New(State{Mode: ModeCloseOnly, Reason: "init"}, WithPersister(store))

	if _, err := g.Set(context.Background(), ModeLive, "resume", "ops"); err == nil {
		t.Fatalf("expected persist error")
	}
	if g.State().Mode != ModeCloseOnly {
		t.Fatalf("loosening applied despite persist failure")
	}

	if _, err := g.Set(context.Background(), ModeLocked, "halt", "ops"); err == nil {
		t.Fatalf("expected persist error")
	}
	if g.State().Mode != ModeLocked {
		t.Fatalf("tightening must apply even when persist fails")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Close_Only "); err != nil || m != ModeCloseOnly {
		t.Fatalf("ParseMode=%v, %v", m, err)
	}
}

func TestSQLAuditorWritesRows(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}

	g := New(State{}, WithAuditor(NewSQLAuditor(database.GuardAudit())))
	if _, err := g.Set(context.Background(), ModeCloseOnly, "news window", "ops"); err != nil {
		t.Fatal(err)
	}
	rows, err := database.GuardAudit().List(context.Background(), 10)
	if err != nil || len(rows) != 1 || rows[0].FromMode != "live" || rows[0].ToMode != "close_only" {
		t.Fatalf("audit rows=%+v err=%v", rows, err)
	}
}
