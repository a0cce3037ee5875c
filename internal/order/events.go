package order

import (
	"execution-core/internal/events"
	"execution-core/internal/ledger"
)

// EmitOrderExecuted publishes an executed order.
func EmitOrderExecuted(bus *events.Bus, o ledger.Order) {
	if bus == nil {
		return
	}
	bus.Publish(events.EventOrderExecuted, events.OrderExecuted{
		OrderID:     o.ID,
		Market:      o.Market,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Quantity:    o.Quantity,
		Price:       o.Price,
		Fee:         o.Fee,
		RealizedPnL: o.RealizedPnL,
		Reason:      o.Reason,
		At:          o.CreatedAt,
	})
}

// EmitPositionClosed publishes the sell that took a position flat.
func EmitPositionClosed(bus *events.Bus, o ledger.Order) {
	if bus == nil {
		return
	}
	bus.Publish(events.EventPositionClosed, events.PositionClosed{
		OrderID:     o.ID,
		Market:      o.Market,
		Symbol:      o.Symbol,
		Quantity:    o.Quantity,
		ExitPrice:   o.Price,
		RealizedPnL: o.RealizedPnL,
		Reason:      o.Reason,
		At:          o.CreatedAt,
	})
}
