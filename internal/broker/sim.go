package broker

import (
	"context"
	"fmt"

	"policygate/pkg/types"
)

// Sim is the deterministic paper broker used by tests, demos, and the
// default CLI runs.
//
// Fill rules:
//   - Market orders fill immediately at the snapshot price.
//   - Limit buys fill when limit_price >= price; limit sells when
//     limit_price <= price. Otherwise the order is rejected.
//   - No partial fills, no slippage, no fees.
//   - Orders for unpriced symbols are rejected.
//
// Behaviour is fully determined by the intent and market snapshot; order ids
// are sequential.
type Sim struct {
	orders   map[string]*Order
	fills    []Fill
	returned int // index of the first fill not yet handed out by PollFills
	nextID   int
}

// NewSim creates an empty simulated broker.
func NewSim() *Sim {
	return &Sim{orders: make(map[string]*Order), nextID: 1}
}

// Submit places an order and settles it immediately per the fill rules.
func (s *Sim) Submit(_ context.Context, intent types.OrderIntent, market types.MarketSnapshot) (string, error) {
	symbol := intent.Instrument.Symbol
	price, priced := market.Prices[symbol]

	orderID := fmt.Sprintf("SIM-%06d", s.nextID)
	s.nextID++

	order := &Order{
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       intent.Side,
		Qty:        intent.Qty,
		OrderType:  intent.OrderType,
		LimitPrice: intent.LimitPrice,
		Status:     StatusPending,
	}
	s.orders[orderID] = order

	if !priced || price <= 0 {
		order.Status = StatusRejected
		return orderID, nil
	}

	filled := false
	switch {
	case intent.OrderType == types.Market:
		filled = true
	case intent.OrderType == types.Limit && intent.LimitPrice != nil:
		if intent.Side == types.Buy && *intent.LimitPrice >= price {
			filled = true
		} else if intent.Side == types.Sell && *intent.LimitPrice <= price {
			filled = true
		}
	}

	if !filled {
		order.Status = StatusRejected
		return orderID, nil
	}

	order.Status = StatusFilled
	s.fills = append(s.fills, Fill{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      intent.Side,
		Qty:       intent.Qty,
		Price:     price,
		Timestamp: intent.Timestamp,
	})
	return orderID, nil
}

// Cancel cancels a pending order. Settled orders are left untouched.
func (s *Sim) Cancel(_ context.Context, orderID string) error {
	if order, ok := s.orders[orderID]; ok && order.Status == StatusPending {
		order.Status = StatusCancelled
	}
	return nil
}

// PollFills returns fills not yet handed out, filtered to timestamps at or
// after sinceTS. RFC 3339 UTC timestamps compare correctly as strings.
func (s *Sim) PollFills(_ context.Context, sinceTS string) ([]Fill, error) {
	pending := s.fills[s.returned:]
	s.returned = len(s.fills)

	if sinceTS == "" {
		return append([]Fill(nil), pending...), nil
	}
	var out []Fill
	for _, f := range pending {
		if f.Timestamp >= sinceTS {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetOrder reports the current status of an order.
func (s *Sim) GetOrder(_ context.Context, orderID string) (*Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	cp := *order
	return &cp, nil
}
