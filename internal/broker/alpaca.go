package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"policygate/pkg/types"
)

const alpacaPaperBaseURL = "https://paper-api.alpaca.markets"

// alpacaStatus maps Alpaca order statuses onto the normalised OrderStatus.
var alpacaStatus = map[string]OrderStatus{
	"new":              StatusPending,
	"accepted":         StatusPending,
	"pending_new":      StatusPending,
	"partially_filled": StatusPending,
	"pending_cancel":   StatusPending,
	"pending_replace":  StatusPending,
	"filled":           StatusFilled,
	"canceled":         StatusCancelled,
	"expired":          StatusCancelled,
	"rejected":         StatusRejected,
}

// Alpaca is a live adapter over the Alpaca trading API, paper by default.
//
// Credentials come from the environment:
//
//	APCA_API_KEY_ID     — API key
//	APCA_API_SECRET_KEY — API secret
//	APCA_API_BASE_URL   — optional, defaults to the paper endpoint
//
// Fill polling tracks submitted order ids and returns each fill at most
// once: a filled order leaves the tracking set when its fill is returned.
type Alpaca struct {
	client *alpaca.Client
	logger *slog.Logger

	submitted []string
}

// NewAlpacaFromEnv builds an Alpaca adapter from environment variables.
func NewAlpacaFromEnv(logger *slog.Logger) (*Alpaca, error) {
	apiKey := os.Getenv("APCA_API_KEY_ID")
	secret := os.Getenv("APCA_API_SECRET_KEY")
	if apiKey == "" || secret == "" {
		return nil, fmt.Errorf("alpaca: APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}

	baseURL := os.Getenv("APCA_API_BASE_URL")
	if baseURL == "" {
		baseURL = alpacaPaperBaseURL
	}

	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: secret,
		BaseURL:   baseURL,
	})
	return &Alpaca{
		client: client,
		logger: logger.With("component", "alpaca"),
	}, nil
}

// Submit places a day order. Returns the Alpaca order id.
func (a *Alpaca) Submit(_ context.Context, intent types.OrderIntent, _ types.MarketSnapshot) (string, error) {
	qty := decimal.NewFromFloat(intent.Qty)

	req := alpaca.PlaceOrderRequest{
		Symbol:      intent.Instrument.Symbol,
		Qty:         &qty,
		TimeInForce: alpaca.Day,
	}
	if intent.Side == types.Buy {
		req.Side = alpaca.Buy
	} else {
		req.Side = alpaca.Sell
	}

	switch intent.OrderType {
	case types.Market:
		req.Type = alpaca.Market
	case types.Limit:
		if intent.LimitPrice == nil {
			return "", fmt.Errorf("alpaca: limit order %s requires a limit_price", intent.IntentID)
		}
		limit := decimal.NewFromFloat(*intent.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	default:
		return "", fmt.Errorf("alpaca: unsupported order type %q", intent.OrderType)
	}

	order, err := a.client.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("alpaca submit: %w", err)
	}

	a.submitted = append(a.submitted, order.ID)
	a.logger.Info("order submitted", "order_id", order.ID, "symbol", intent.Instrument.Symbol)
	return order.ID, nil
}

// Cancel cancels a pending order.
func (a *Alpaca) Cancel(_ context.Context, orderID string) error {
	if err := a.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("alpaca cancel: %w", err)
	}
	return nil
}

// PollFills checks every tracked order and returns fills for those that
// reached filled status. Terminal orders leave the tracking set. The sinceTS
// argument is not consulted.
func (a *Alpaca) PollFills(_ context.Context, _ string) ([]Fill, error) {
	var fills []Fill
	var remaining []string

	for _, oid := range a.submitted {
		order, err := a.client.GetOrder(oid)
		if err != nil {
			return nil, fmt.Errorf("alpaca poll order %s: %w", oid, err)
		}

		switch alpacaStatus[string(order.Status)] {
		case StatusFilled:
			var price float64
			if order.FilledAvgPrice != nil {
				price, _ = order.FilledAvgPrice.Float64()
			}
			qty, _ := order.FilledQty.Float64()

			var ts string
			if order.FilledAt != nil {
				ts = order.FilledAt.UTC().Format(time.RFC3339Nano)
			}

			fills = append(fills, Fill{
				OrderID:   order.ID,
				Symbol:    order.Symbol,
				Side:      alpacaSide(string(order.Side)),
				Qty:       qty,
				Price:     price,
				Timestamp: ts,
			})
		case StatusPending:
			remaining = append(remaining, oid)
		}
	}

	a.submitted = remaining
	return fills, nil
}

// GetOrder fetches current per-order status.
func (a *Alpaca) GetOrder(_ context.Context, orderID string) (*Order, error) {
	order, err := a.client.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("alpaca get order: %w", err)
	}

	status, ok := alpacaStatus[string(order.Status)]
	if !ok {
		status = StatusPending
	}

	out := &Order{
		OrderID: order.ID,
		Symbol:  order.Symbol,
		Side:    alpacaSide(string(order.Side)),
		Status:  status,
	}
	if order.Qty != nil {
		out.Qty, _ = order.Qty.Float64()
	}
	if string(order.Type) == "limit" {
		out.OrderType = types.Limit
		if order.LimitPrice != nil {
			p, _ := order.LimitPrice.Float64()
			out.LimitPrice = &p
		}
	} else {
		out.OrderType = types.Market
	}
	return out, nil
}

func alpacaSide(side string) types.Side {
	if side == "buy" {
		return types.Buy
	}
	return types.Sell
}
