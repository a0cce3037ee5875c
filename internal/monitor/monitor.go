// Package monitor marks the ledger to market on a schedule, keeps the equity
// history and exports metrics.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/apperr"
	"execution-core/internal/ledger"
	"execution-core/internal/pricefeed"
)

// Job is the periodic monitor update: fetch quotes for every open position,
// mark to market, append an equity snapshot and refresh gauges.
type Job struct {
	ledger  *ledger.Ledger
	prices  pricefeed.Source
	equity  *EquityRecorder
	metrics *Metrics
	timeout func() time.Duration
	log     zerolog.Logger
}

// NewJob wires the monitor job. timeout is read on every run so policy
// reloads apply; metrics may be nil.
func NewJob(l *ledger.Ledger, prices pricefeed.Source, equity *EquityRecorder, metrics *Metrics, timeout func() time.Duration, log zerolog.Logger) *Job {
	return &Job{ledger: l, prices: prices, equity: equity, metrics: metrics, timeout: timeout, log: log}
}

// Run performs one update. Marks stay applied even when persisting them or
// writing the snapshot fails; the first such error is returned.
func (j *Job) Run(ctx context.Context) (ledger.Valuation, error) {
	positions := j.ledger.Positions()
	keys := make([]ledger.Key, len(positions))
	for i, p := range positions {
		keys[i] = p.Key()
	}

	marks, missing := pricefeed.Marks(ctx, j.prices, keys, j.timeout())
	for _, k := range missing {
		j.log.Warn().Str("key", k.String()).Str("code", string(apperr.CodeStalePrice)).Msg("no fresh price; position keeps its last mark")
	}

	v, markErr := j.ledger.MarkToMarket(marks)
	if markErr != nil {
		j.log.Error().Err(markErr).Msg("persisting marks failed")
	}
	if j.metrics != nil {
		j.metrics.SetValuation(v)
	}
	if _, err := j.equity.Record(ctx, v, ReasonMonitor); err != nil {
		j.log.Error().Err(err).Msg("equity snapshot failed")
		if markErr == nil {
			markErr = err
		}
	}

	j.log.Info().
		Int("positions", len(positions)).
		Int("stale", len(v.Stale)).
		Str("cash", v.Cash.StringFixed(2)).
		Str("equity", v.Equity.StringFixed(2)).
		Msg("monitor update")
	if markErr != nil {
		return v, fmt.Errorf("monitor update: %w", markErr)
	}
	return v, nil
}
