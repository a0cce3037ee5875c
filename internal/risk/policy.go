package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
)

// PolicyStatus reports whether the active policy is authoritative.
type PolicyStatus struct {
	Path     string    `json:"path"`
	Valid    bool      `json:"valid"`
	Error    string    `json:"error,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// PolicyStore holds the active policy. A failed reload keeps the last good
// policy for display but marks the store invalid until a reload succeeds;
// while invalid, Policy returns config_invalid.
type PolicyStore struct {
	mu        sync.RWMutex
	path      string
	current   config.Policy
	invalid   error
	loadedAt  time.Time
	listeners []func(config.Policy)

	log zerolog.Logger
	now func() time.Time
}

func NewPolicyStore(path string, initial config.Policy, log zerolog.Logger) *PolicyStore {
	return &PolicyStore{path: path, current: initial, loadedAt: time.Now(), log: log, now: time.Now}
}

// Policy returns the active policy, or config_invalid while the last reload
// failed.
func (s *PolicyStore) Policy() (config.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invalid != nil {
		return s.current, s.invalid
	}
	return s.current, nil
}

// Current returns the last good policy regardless of validity.
func (s *PolicyStore) Current() config.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run after every successful update.
func (s *PolicyStore) OnChange(fn func(config.Policy)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reload re-reads the policy file.
func (s *PolicyStore) Reload() (config.Policy, error) {
	p, err := config.LoadPolicy(s.path)
	if err != nil {
		s.markInvalid(err)
		return config.Policy{}, err
	}
	s.apply(p)
	return p, nil
}

// Update installs p after validating it.
func (s *PolicyStore) Update(p config.Policy) error {
	if err := p.Validate(); err != nil {
		s.markInvalid(err)
		return err
	}
	s.apply(p)
	return nil
}

// Status reports the store state.
func (s *PolicyStore) Status() PolicyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := PolicyStatus{Path: s.path, Valid: s.invalid == nil, LoadedAt: s.loadedAt}
	if s.invalid != nil {
		st.Error = s.invalid.Error()
	}
	return st
}

func (s *PolicyStore) markInvalid(err error) {
	if apperr.CodeOf(err) != apperr.CodeConfigInvalid {
		err = apperr.New(apperr.CodeConfigInvalid, "%v", err)
	}
	s.mu.Lock()
	s.invalid = err
	s.mu.Unlock()
	s.log.Error().Err(err).Str("path", s.path).Msg("risk policy invalid; risk ticks suspended until fixed")
}

func (s *PolicyStore) apply(p config.Policy) {
	s.mu.Lock()
	s.current = p
	s.invalid = nil
	s.loadedAt = s.now()
	listeners := append([]func(config.Policy){}, s.listeners...)
	s.mu.Unlock()

	s.log.Info().
		Float64("stop_loss_pct", p.Risk.StopLossPct).
		Float64("take_profit_pct", p.Risk.TakeProfitPct).
		Float64("max_exposure_pct", p.Risk.MaxExposurePct).
		Msg("risk policy applied")
	for _, fn := range listeners {
		fn(p)
	}
}
