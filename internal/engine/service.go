// Package engine is the single entry point the control surface uses to query
// and command the execution core.
package engine

import (
	"context"
	"time"

	"execution-core/internal/guard"
	"execution-core/internal/ledger"
	"execution-core/internal/risk"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
)

// Service defines the operations exposed to the API layer. The API layer
// should only interact with the core through this interface.
type Service interface {
	// Portfolio & history
	GetPortfolio(ctx context.Context) (*Portfolio, error)
	GetOrders(ctx context.Context, limit int) ([]ledger.Order, error)
	GetEquity(ctx context.Context, since time.Time, limit int) (*EquityView, error)
	GetRiskMetrics(ctx context.Context) (*risk.RiskMetrics, error)
	ListSignals(ctx context.Context, f db.SignalFilter) ([]SignalView, error)

	// Trade guard
	GetGuard(ctx context.Context) guard.State
	SetGuard(ctx context.Context, mode, reason, actor string) (guard.State, error)

	// Commands
	SubmitSignal(ctx context.Context, s signal.Signal) (signal.Result, error)
	ClosePosition(ctx context.Context, key ledger.Key, actor string) (ledger.Order, error)
	RunRiskCheck(ctx context.Context) (*risk.TickReport, error)

	// Policy
	GetPolicy(ctx context.Context) *PolicyView
	ReloadPolicy(ctx context.Context) (*PolicyView, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
