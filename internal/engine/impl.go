package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/outbox"
	"execution-core/internal/pricefeed"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
)

// Task names registered with the scheduler.
const (
	TaskRiskCheck = "risk_check"
	TaskMonitor   = "monitor"
)

// Impl implements Service by composing the core modules.
type Impl struct {
	ledger    *ledger.Ledger
	sim       *order.Simulator
	gate      *signal.Gate
	risk      *risk.Engine
	policy    *risk.PolicyStore
	tracker   *risk.Tracker
	guard     *guard.Guard
	prices    pricefeed.Source
	equity    *monitor.EquityRecorder
	journal   *db.SignalJournal
	scheduler *scheduler.Scheduler
	metrics   *monitor.Metrics
	relay     *outbox.Relay
	bus       *events.Bus

	meta SystemStatus
	now  func() time.Time
}

// Config holds the modules an Impl is composed of. Metrics and Relay are
// optional.
type Config struct {
	Ledger    *ledger.Ledger
	Simulator *order.Simulator
	Gate      *signal.Gate
	Risk      *risk.Engine
	Policy    *risk.PolicyStore
	Tracker   *risk.Tracker
	Guard     *guard.Guard
	Prices    pricefeed.Source
	Equity    *monitor.EquityRecorder
	Journal   *db.SignalJournal
	Scheduler *scheduler.Scheduler
	Metrics   *monitor.Metrics
	Relay     *outbox.Relay
	Bus       *events.Bus
	Meta      SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		ledger:    cfg.Ledger,
		sim:       cfg.Simulator,
		gate:      cfg.Gate,
		risk:      cfg.Risk,
		policy:    cfg.Policy,
		tracker:   cfg.Tracker,
		guard:     cfg.Guard,
		prices:    cfg.Prices,
		equity:    cfg.Equity,
		journal:   cfg.Journal,
		scheduler: cfg.Scheduler,
		metrics:   cfg.Metrics,
		relay:     cfg.Relay,
		bus:       cfg.Bus,
		meta:      cfg.Meta,
		now:       time.Now,
	}
}

// --- Portfolio & history ---

func (e *Impl) GetPortfolio(ctx context.Context) (*Portfolio, error) {
	v := e.ledger.Snapshot()
	out := &Portfolio{
		At:             v.At,
		Cash:           v.Cash,
		PositionsValue: v.PositionsValue,
		Equity:         v.Equity,
		ExposureLimit:  decimal.NewFromFloat(e.policy.Current().Risk.MaxExposurePct),
		Positions:      make([]PositionView, 0, len(v.Positions)),
		Guard:          e.guard.State(),
	}
	if x, ok := v.Exposure(); ok {
		out.Exposure = x
	}
	for _, p := range v.Positions {
		out.Positions = append(out.Positions, PositionView{
			Position:      p,
			MarketValue:   p.MarketValue(),
			UnrealizedPnL: p.UnrealizedPnL(),
		})
	}
	for _, k := range v.Stale {
		out.Stale = append(out.Stale, k.String())
	}
	return out, nil
}

func (e *Impl) GetOrders(ctx context.Context, limit int) ([]ledger.Order, error) {
	return e.ledger.Orders(limit), nil
}

func (e *Impl) GetEquity(ctx context.Context, since time.Time, limit int) (*EquityView, error) {
	sum, err := e.equity.Summary(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := e.equity.Series(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	view := &EquityView{Summary: sum, Series: make([]EquityPoint, 0, len(snaps))}
	for _, s := range snaps {
		view.Series = append(view.Series, EquityPoint{
			At:             s.At,
			Cash:           s.Cash,
			PositionsValue: s.PositionsValue,
			Equity:         s.Equity,
			StaleCount:     s.StaleCount,
			Reason:         s.Reason,
		})
	}
	return view, nil
}

func (e *Impl) GetRiskMetrics(ctx context.Context) (*risk.RiskMetrics, error) {
	if e.tracker == nil {
		return nil, fmt.Errorf("risk tracker not available")
	}
	m := e.tracker.Metrics()
	return &m, nil
}

func (e *Impl) ListSignals(ctx context.Context, f db.SignalFilter) ([]SignalView, error) {
	rows, err := e.journal.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]SignalView, 0, len(rows))
	for _, r := range rows {
		out = append(out, signalView(r))
	}
	return out, nil
}

// --- Trade guard ---

func (e *Impl) GetGuard(ctx context.Context) guard.State {
	return e.guard.State()
}

func (e *Impl) SetGuard(ctx context.Context, mode, reason, actor string) (guard.State, error) {
	m, err := guard.ParseMode(mode)
	if err != nil {
		return guard.State{}, err
	}
	st, err := e.guard.Set(ctx, m, reason, actor)
	if e.metrics != nil {
		e.metrics.SetGuardMode(e.guard.State().Mode)
	}
	return st, err
}

// --- Commands ---

func (e *Impl) SubmitSignal(ctx context.Context, s signal.Signal) (signal.Result, error) {
	return e.gate.Submit(ctx, s)
}

// ClosePosition sells a whole position at the current price. It is an
// operator action: allowed in live and close_only, blocked when locked.
func (e *Impl) ClosePosition(ctx context.Context, key ledger.Key, actor string) (ledger.Order, error) {
	if err := e.guard.Check(guard.ActionClose); err != nil {
		return ledger.Order{}, err
	}
	if _, ok := e.ledger.Position(key); !ok {
		return ledger.Order{}, apperr.New(apperr.CodeUnknownPosition, "no open position for %s", key)
	}
	q, err := pricefeed.Lookup(ctx, e.prices, key, e.policy.Current().Execution.PriceTimeout)
	if err != nil {
		return ledger.Order{}, err
	}
	if actor == "" {
		actor = "operator"
	}
	return e.sim.Execute(ctx, order.Intent{
		Direction: order.Sell,
		Key:       key,
		Size:      order.All(),
		Price:     q.Price,
		Reason:    "manual:" + actor,
	})
}

// RunRiskCheck runs a risk tick now, through the scheduler's overlap guard.
func (e *Impl) RunRiskCheck(ctx context.Context) (*risk.TickReport, error) {
	err := e.scheduler.RunNow(ctx, TaskRiskCheck)
	if err != nil && !errors.Is(err, apperr.ErrConfigInvalid) {
		return nil, err
	}
	r := e.risk.LastReport()
	return &r, err
}

// --- Policy ---

func (e *Impl) GetPolicy(ctx context.Context) *PolicyView {
	return &PolicyView{Policy: e.policy.Current(), Status: e.policy.Status()}
}

func (e *Impl) ReloadPolicy(ctx context.Context) (*PolicyView, error) {
	_, err := e.policy.Reload()
	return e.GetPolicy(ctx), err
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := e.meta
	st.ServerTime = e.now()
	st.Guard = e.guard.State()
	st.Policy = e.policy.Status()
	st.LastRisk = e.risk.LastReport()
	st.Tasks = e.scheduler.Stats()
	st.Dropped = e.bus.Dropped()
	if e.metrics != nil {
		st.Metrics = e.metrics.Snapshot()
	}
	if e.relay != nil {
		rs := e.relay.Stats()
		st.Outbox = &rs
	}
	if counts, err := e.journal.CountByOutcome(ctx); err == nil {
		st.Signals = counts
	}
	return &st
}

var _ Service = (*Impl)(nil)
