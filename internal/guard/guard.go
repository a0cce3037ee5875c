// Package guard holds the process-wide trading mode switch.
package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
)

// Mode is the trading mode.
type Mode string

const (
	ModeLive      Mode = "live"
	ModeCloseOnly Mode = "close_only"
	ModeLocked    Mode = "locked"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLive, ModeCloseOnly, ModeLocked:
		return m, nil
	default:
		return "", fmt.Errorf("unknown guard mode %q", s)
	}
}

// rank orders modes by restrictiveness.
func (m Mode) rank() int {
	switch m {
	case ModeLive:
		return 0
	case ModeCloseOnly:
		return 1
	default:
		return 2
	}
}

// Action is what a caller wants to do.
type Action string

const (
	ActionOpen      Action = "open"       // buy from a signal
	ActionClose     Action = "close"      // sell from a signal
	ActionRiskClose Action = "risk_close" // sell from the risk engine
)

// State is the current mode plus who set it and why.
type State struct {
	Mode      Mode      `json:"mode"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	ChangedAt time.Time `json:"changed_at"`
}

// Persister stores the guard state so a restart resumes it.
type Persister interface {
	SaveGuard(State) error
}

// Auditor records every transition.
type Auditor interface {
	RecordGuardChange(ctx context.Context, from, to State) error
}

// Guard gates trading actions on the current mode.
type Guard struct {
	mu    sync.RWMutex
	state State

	store Persister
	audit Auditor
	bus   *events.Bus
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

func WithPersister(p Persister) Option { return func(g *Guard) { g.store = p } }
func WithAuditor(a Auditor) Option { return func(g *Guard) { g.audit = a } }
func WithBus(b *events.Bus) Option { return func(g *Guard) { g.bus = b } }
func WithLogger(l zerolog.Logger) Option { return func(g *Guard) { g.log = l } }
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// New creates a guard starting from initial; a zero initial starts live.
func New(initial State, opts ...Option) *Guard {
	g := &Guard{log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	if initial.Mode == "" {
		initial = State{Mode: ModeLive, Reason: "startup", Actor: "system", ChangedAt: g.now()}
	}
	g.state = initial
	return g
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Set transitions to mode. A reason is required. If persisting fails the
// transition still applies when it is more restrictive than the current
// mode; loosening is refused.
func (g *Guard) Set(ctx context.Context, mode Mode, reason, actor string) (State, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return State{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return State{}, fmt.Errorf("guard transition to %s requires a reason", mode)
	}
	if actor == "" {
		actor = "system"
	}

	g.mu.Lock()
	from := g.state
	to := State{Mode: mode, Reason: reason, Actor: actor, ChangedAt: g.now()}
	var persistErr error
	if g.store != nil {
		persistErr = g.store.SaveGuard(to)
	}
	if persistErr != nil && mode.rank() <= from.Mode.rank() {
		g.mu.Unlock()
		return from, fmt.Errorf("persist guard state: %w", persistErr)
	}
	g.state = to
	g.mu.Unlock()

	if g.audit != nil {
		if err := g.audit.RecordGuardChange(ctx, from, to); err != nil {
			g.log.Error().Err(err).Msg("guard audit write failed")
		}
	}
	g.log.Warn().
		Str("from", string(from.Mode)).
		Str("to", string(to.Mode)).
		Str("reason", reason).
		Str("actor", actor).
		Msg("trade guard changed")
	g.bus.Publish(events.EventGuardChanged, events.GuardChanged{
		From: string(from.Mode), To: string(to.Mode), Reason: reason, Actor: actor, At: to.ChangedAt,
	})

	if persistErr != nil {
		return to, fmt.Errorf("persist guard state: %w", persistErr)
	}
	return to, nil
}

// Check returns a guard_blocked error when the current mode forbids action.
// locked blocks everything; close_only blocks new entries.
func (g *Guard) Check(action Action) error {
	st := g.State()
	switch st.Mode {
	case ModeLocked:
		return apperr.New(apperr.CodeGuardBlocked, "trade guard is locked (%s)", st.Reason)
	case ModeCloseOnly:
		if action == ActionOpen {
			return apperr.New(apperr.CodeGuardBlocked, "trade guard is close_only (%s)", st.Reason)
		}
	}
	return nil
}
