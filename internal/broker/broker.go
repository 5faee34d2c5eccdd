// Package broker defines the minimal adapter contract between the gate and
// order execution, plus three adapters: a deterministic simulator, Alpaca
// (paper by default), and Tradier (sandbox by default).
//
// The surface is intentionally narrow — submit, cancel, poll fills — and
// identical across simulated and live adapters. Live adapters never leak
// transport errors as panics; every failure comes back as a wrapped error
// that the runner treats as a broker failure (fail loud, audit preserved).
package broker

import (
	"context"

	"policygate/pkg/types"
)

// OrderStatus is the normalised lifecycle state of a submitted order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// Order is a broker-side view of a submitted order.
type Order struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       types.Side      `json:"side"`
	Qty        float64         `json:"qty"`
	OrderType  types.OrderType `json:"order_type"`
	LimitPrice *float64        `json:"limit_price,omitempty"`
	Status     OrderStatus     `json:"status"`
}

// Fill is one execution report.
type Fill struct {
	OrderID   string     `json:"order_id"`
	Symbol    string     `json:"symbol"`
	Side      types.Side `json:"side"`
	Qty       float64    `json:"qty"`
	Price     float64    `json:"price"`
	Timestamp string     `json:"timestamp"`
}

// Adapter is the contract every broker satisfies.
type Adapter interface {
	// Submit places an order for the effective intent. It returns the
	// broker's order id; any failure is propagated to the caller.
	Submit(ctx context.Context, intent types.OrderIntent, market types.MarketSnapshot) (string, error)

	// Cancel cancels a pending order. Best-effort idempotent.
	Cancel(ctx context.Context, orderID string) error

	// PollFills returns fills since the given RFC 3339 timestamp (all fills
	// when sinceTS is empty). Already-returned fills are not repeated.
	PollFills(ctx context.Context, sinceTS string) ([]Fill, error)
}

// StatusReporter is an optional extension for adapters that can report
// per-order status. The runner uses it to emit ORDER_REJECTED when a submit
// succeeded but the broker marked the order rejected.
type StatusReporter interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}
