package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"policygate/pkg/types"
)

// Tradier base URLs by environment.
var tradierBaseURLs = map[string]string{
	"sandbox": "https://sandbox.tradier.com",
	"live":    "https://api.tradier.com",
}

// tradierStatus maps Tradier order statuses onto the normalised OrderStatus.
var tradierStatus = map[string]OrderStatus{
	"pending":          StatusPending,
	"open":             StatusPending,
	"partially_filled": StatusPending,
	"filled":           StatusFilled,
	"expired":          StatusCancelled,
	"canceled":         StatusCancelled,
	"rejected":         StatusRejected,
}

// Tradier is a live adapter for the Tradier brokerage REST API.
//
// Credentials come from the environment:
//
//	TRADIER_TOKEN       — OAuth bearer token
//	TRADIER_ACCOUNT_ID  — account id
//	TRADIER_ENV         — "sandbox" (default) or "live"
//
// Requests retry on 429 and 5xx. Fill polling is account-level with a
// per-order fallback; each fill is returned at most once.
type Tradier struct {
	http      *resty.Client
	accountID string
	logger    *slog.Logger

	submitted []string // order ids still awaiting a terminal status
}

// NewTradierFromEnv builds a Tradier adapter from environment variables.
func NewTradierFromEnv(logger *slog.Logger) (*Tradier, error) {
	token := os.Getenv("TRADIER_TOKEN")
	accountID := os.Getenv("TRADIER_ACCOUNT_ID")
	env := os.Getenv("TRADIER_ENV")
	if env == "" {
		env = "sandbox"
	}

	if token == "" {
		return nil, fmt.Errorf("tradier: TRADIER_TOKEN is required")
	}
	if accountID == "" {
		return nil, fmt.Errorf("tradier: TRADIER_ACCOUNT_ID is required")
	}
	baseURL, ok := tradierBaseURLs[env]
	if !ok {
		return nil, fmt.Errorf("tradier: TRADIER_ENV must be 'sandbox' or 'live', got %q", env)
	}

	return NewTradier(baseURL, token, accountID, logger), nil
}

// NewTradier builds an adapter against an explicit base URL (tests point
// this at a local server).
func NewTradier(baseURL, token, accountID string, logger *slog.Logger) *Tradier {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")

	return &Tradier{
		http:      client,
		accountID: accountID,
		logger:    logger.With("component", "tradier"),
	}
}

type tradierOrder struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	Symbol            string      `json:"symbol"`
	Side              string      `json:"side"`
	Quantity          float64     `json:"quantity"`
	ExecQuantity      float64     `json:"exec_quantity"`
	AvgFillPrice      float64     `json:"avg_fill_price"`
	Type              string      `json:"type"`
	Price             float64     `json:"price"`
	CreateDate        string      `json:"create_date"`
	LastFillTimestamp string      `json:"last_fill_timestamp"`
}

// Submit places a day equity order tagged with the intent id.
func (t *Tradier) Submit(ctx context.Context, intent types.OrderIntent, _ types.MarketSnapshot) (string, error) {
	form := map[string]string{
		"class":    "equity",
		"symbol":   intent.Instrument.Symbol,
		"side":     string(intent.Side),
		"quantity": strconv.Itoa(int(intent.Qty)),
		"type":     string(intent.OrderType),
		"duration": "day",
		"tag":      intent.IntentID,
	}
	if intent.OrderType == types.Limit {
		if intent.LimitPrice == nil {
			return "", fmt.Errorf("tradier: limit order %s requires a limit_price", intent.IntentID)
		}
		form["price"] = strconv.FormatFloat(*intent.LimitPrice, 'f', -1, 64)
	}

	var body struct {
		Order tradierOrder `json:"order"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&body).
		Post(fmt.Sprintf("/v1/accounts/%s/orders", t.accountID))
	if err != nil {
		return "", fmt.Errorf("tradier submit: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("tradier submit: status %d: %s", resp.StatusCode(), resp.String())
	}

	orderID := body.Order.ID.String()
	if orderID == "" {
		return "", fmt.Errorf("tradier submit: no order id in response: %s", resp.String())
	}

	t.submitted = append(t.submitted, orderID)
	t.logger.Info("order submitted", "order_id", orderID, "symbol", intent.Instrument.Symbol)
	return orderID, nil
}

// Cancel cancels a pending order.
func (t *Tradier) Cancel(ctx context.Context, orderID string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/v1/accounts/%s/orders/%s", t.accountID, orderID))
	if err != nil {
		return fmt.Errorf("tradier cancel: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("tradier cancel: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// PollFills returns fills for tracked orders. Account-level polling is
// preferred; per-order polling is the fallback when it fails. The sinceTS
// argument is not consulted: only the tracking set keeps fills from repeating.
func (t *Tradier) PollFills(ctx context.Context, _ string) ([]Fill, error) {
	fills, err := t.pollAccountLevel(ctx)
	if err != nil {
		t.logger.Warn("account-level poll failed, falling back to per-order", "error", err)
		return t.pollPerOrder(ctx)
	}
	return fills, nil
}

func (t *Tradier) pollAccountLevel(ctx context.Context) ([]Fill, error) {
	var body struct {
		Orders json.RawMessage `json:"orders"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf("/v1/accounts/%s/orders", t.accountID))
	if err != nil {
		return nil, fmt.Errorf("tradier poll: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("tradier poll: status %d: %s", resp.StatusCode(), resp.String())
	}

	orders, err := parseTradierOrders(body.Orders)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]bool, len(t.submitted))
	for _, id := range t.submitted {
		tracked[id] = true
	}

	var fills []Fill
	var remaining []string
	for _, raw := range orders {
		oid := raw.ID.String()
		if !tracked[oid] {
			continue
		}
		switch tradierStatus[raw.Status] {
		case StatusFilled:
			qty := raw.ExecQuantity
			if qty == 0 {
				qty = raw.Quantity
			}
			ts := raw.LastFillTimestamp
			if ts == "" {
				ts = raw.CreateDate
			}
			fills = append(fills, Fill{
				OrderID:   oid,
				Symbol:    raw.Symbol,
				Side:      types.Side(raw.Side),
				Qty:       qty,
				Price:     raw.AvgFillPrice,
				Timestamp: ts,
			})
		case StatusPending:
			remaining = append(remaining, oid)
		}
		// Rejected / cancelled / expired orders drop out of tracking.
	}

	t.submitted = remaining
	return fills, nil
}

func (t *Tradier) pollPerOrder(ctx context.Context) ([]Fill, error) {
	var fills []Fill
	var remaining []string

	for _, oid := range t.submitted {
		order, err := t.GetOrder(ctx, oid)
		if err != nil {
			remaining = append(remaining, oid)
			continue
		}
		switch order.Status {
		case StatusFilled:
			fills = append(fills, Fill{
				OrderID: order.OrderID,
				Symbol:  order.Symbol,
				Side:    order.Side,
				Qty:     order.Qty,
			})
		case StatusPending:
			remaining = append(remaining, oid)
		}
	}

	t.submitted = remaining
	return fills, nil
}

// GetOrder fetches current per-order status.
func (t *Tradier) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var body struct {
		Order tradierOrder `json:"order"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf("/v1/accounts/%s/orders/%s", t.accountID, orderID))
	if err != nil {
		return nil, fmt.Errorf("tradier get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("tradier get order: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw := body.Order
	status, ok := tradierStatus[raw.Status]
	if !ok {
		status = StatusPending
	}
	order := &Order{
		OrderID:   raw.ID.String(),
		Symbol:    raw.Symbol,
		Side:      types.Side(raw.Side),
		Qty:       raw.Quantity,
		OrderType: types.OrderType(raw.Type),
		Status:    status,
	}
	if raw.Type == "limit" && raw.Price > 0 {
		p := raw.Price
		order.LimitPrice = &p
	}
	return order, nil
}

// parseTradierOrders handles the API's shape variants: {"order": [...]},
// {"order": {...}}, "null", or absent.
func parseTradierOrders(raw json.RawMessage) ([]tradierOrder, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == `"null"` {
		return nil, nil
	}

	var wrapper struct {
		Order json.RawMessage `json:"order"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("tradier orders payload: %w", err)
	}
	if len(wrapper.Order) == 0 || string(wrapper.Order) == "null" {
		return nil, nil
	}

	var list []tradierOrder
	if err := json.Unmarshal(wrapper.Order, &list); err == nil {
		return list, nil
	}
	var single tradierOrder
	if err := json.Unmarshal(wrapper.Order, &single); err != nil {
		return nil, fmt.Errorf("tradier order payload: %w", err)
	}
	return []tradierOrder{single}, nil
}
