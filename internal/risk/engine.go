package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/ledger"
	"execution-core/internal/order"
	"execution-core/internal/pricefeed"
)

// TickObserver receives every tick report, e.g. for metrics.
type TickObserver interface {
	ObserveRiskTick(TickReport)
}

// Engine re-evaluates open positions against the risk policy.
type Engine struct {
	ledger   *ledger.Ledger
	sim      *order.Simulator
	prices   pricefeed.Source
	policy   *PolicyStore
	guard    *guard.Guard
	bus      *events.Bus
	observer TickObserver
	log      zerolog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last TickReport
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithBus(b *events.Bus) EngineOption { return func(e *Engine) { e.bus = b } }

func WithLogger(l zerolog.Logger) EngineOption { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

func WithTickObserver(o TickObserver) EngineOption { return func(e *Engine) { e.observer = o } }

func NewEngine(l *ledger.Ledger, sim *order.Simulator, prices pricefeed.Source, policy *PolicyStore, g *guard.Guard, opts ...EngineOption) *Engine {
	e := &Engine{
		ledger: l,
		sim:    sim,
		prices: prices,
		policy: policy,
		guard:  g,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick evaluates every open position once. A position without a fresh price
// is skipped and counted; an invalid policy skips the whole tick and
// returns config_invalid. Each position is closed at most once per tick.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	report := TickReport{At: e.now()}

	pol, err := e.policy.Policy()
	if err != nil {
		report.ConfigInvalid = true
		e.log.Error().Err(err).Str("code", string(apperr.CodeConfigInvalid)).Msg("risk tick skipped")
		e.finish(report)
		return report, err
	}

	for _, pos := range e.ledger.Positions() {
		if ctx.Err() != nil {
			break
		}
		key := pos.Key()

		// price lookup happens before taking the position lock
		q, err := pricefeed.Lookup(ctx, e.prices, key, pol.Execution.PriceTimeout)
		if err != nil {
			report.SkippedStale++
			e.log.Warn().Str("key", key.String()).Str("code", string(apperr.CodeOf(err))).Err(err).Msg("risk check skipped position")
			continue
		}
		report.Evaluated++

		var (
			fill     ledger.Fill
			closed   bool
			decision Decision
		)
		err = e.ledger.WithPosition(key, func(tx *ledger.Tx) error {
			cur, ok := tx.Position()
			if !ok {
				return nil
			}
			decision = Evaluate(cur, q.Price, pol.Risk, e.now())
			if decision.HighWater != nil {
				if _, err := tx.RaiseHighWater(*decision.HighWater); err != nil {
					return err
				}
			}
			if !decision.Close {
				return nil
			}
			if err := e.guard.Check(guard.ActionRiskClose); err != nil {
				return err
			}
			f, err := e.sim.Apply(tx, order.Intent{
				Direction: order.Sell,
				Key:       key,
				Size:      order.All(),
				Price:     q.Price,
				Reason:    string(decision.Reason),
			})
			if err != nil {
				return err
			}
			fill = f
			closed = true
			return nil
		})

		switch {
		case errors.Is(err, apperr.ErrGuardBlocked):
			report.GuardBlocked++
			e.log.Warn().Str("key", key.String()).Str("reason", string(decision.Reason)).Err(err).Msg("risk close blocked by trade guard")
		case err != nil:
			report.Errors++
			e.log.Error().Str("key", key.String()).Err(err).Msg("risk check failed")
		case closed:
			e.sim.Settle(ctx, fill)
			report.Closed++
			report.Closes = append(report.Closes, CloseDetail{
				Key:         key,
				Reason:      decision.Reason,
				Detail:      decision.Detail,
				Price:       q.Price,
				OrderID:     fill.Order.ID,
				RealizedPnL: fill.Order.RealizedPnL,
			})
			e.log.Warn().
				Str("key", key.String()).
				Str("reason", string(decision.Reason)).
				Str("detail", decision.Detail).
				Str("realized_pnl", fill.Order.RealizedPnL.String()).
				Msg("risk close")
		}
	}

	e.finish(report)
	return report, nil
}

// LastReport returns the most recent tick report.
func (e *Engine) LastReport() TickReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

func (e *Engine) finish(report TickReport) {
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	if e.observer != nil {
		e.observer.ObserveRiskTick(report)
	}
	ev := events.RiskTick{
		Evaluated:     report.Evaluated,
		Closed:        report.Closed,
		SkippedStale:  report.SkippedStale,
		GuardBlocked:  report.GuardBlocked,
		Errors:        report.Errors,
		ConfigInvalid: report.ConfigInvalid,
		At:            report.At,
	}
	for _, c := range report.Closes {
		ev.Closes = append(ev.Closes, events.RiskClose{
			Market:      c.Key.Market,
			Symbol:      c.Key.Symbol,
			Reason:      string(c.Reason),
			Price:       c.Price,
			RealizedPnL: c.RealizedPnL,
		})
	}
	e.bus.Publish(events.EventRiskTick, ev)
	e.log.Info().
		Int("evaluated", report.Evaluated).
		Int("closed", report.Closed).
		Int("skipped_stale", report.SkippedStale).
		Int("guard_blocked", report.GuardBlocked).
		Int("errors", report.Errors).
		Bool("config_invalid", report.ConfigInvalid).
		Msg("risk tick complete")
}
