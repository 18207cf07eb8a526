package ports

import (
	"context"
	"time"

	"pulseTrader/internal/domain"
)

// OrderType distinguishes immediate from conditional orders.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderRequest describes an order handed to the execution backend.
type OrderRequest struct {
	PositionID string
	Symbol     string
	Side       domain.Side // Direction of the resulting exposure change
	Type       OrderType
	Quantity   float64
	StopPrice  float64 // Trigger price for conditional orders
}

// Fill reports a (simulated or real) execution of an order.
type Fill struct {
	OrderID    string
	PositionID string
	Symbol     string
	Side       domain.Side
	Type       OrderType
	Price      float64
	Quantity   float64
	FilledAt   time.Time
}

// FillHandler receives asynchronous fills from the execution backend.
type FillHandler func(fill Fill)

// ExecutionBackend places, modifies and cancels orders. The paper
// implementation simulates fills; a live implementation delegates to an
// exchange connector. Everything upstream of this interface is shared
// between paper and live trading.
type ExecutionBackend interface {
	// PlaceOrder submits an order. Market orders fill asynchronously but
	// promptly; conditional orders fill when the market crosses StopPrice.
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)

	// ModifyOrder replaces the trigger price of an open conditional order.
	ModifyOrder(ctx context.Context, orderID string, stopPrice float64) error

	// CancelOrder cancels an open conditional order.
	CancelOrder(ctx context.Context, orderID string) error

	// SetFillHandler registers the callback invoked for every fill.
	SetFillHandler(handler FillHandler)
}
