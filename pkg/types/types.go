// Package types defines the shared data structures used across all packages.
//
// This package is the common vocabulary for the gate — order intents, market
// snapshots, portfolio and execution state, and their closed enumerations.
// It has no dependencies on internal packages, so it can be imported by any
// layer. All JSON field names match the recorded audit wire format.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order intent.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// AssetClass identifies the instrument's asset class.
type AssetClass string

const (
	Equity  AssetClass = "equity"
	Crypto  AssetClass = "crypto"
	FX      AssetClass = "fx"
	Futures AssetClass = "futures"
)

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

// Instrument identifies what an intent wants to trade.
type Instrument struct {
	Symbol     string     `json:"symbol" validate:"required"`
	AssetClass AssetClass `json:"asset_class" validate:"oneof=equity crypto fx futures"`
}

// OrderIntent is a proposed order before governance — not yet submitted.
// Timestamps are RFC 3339 UTC strings; they are carried verbatim so audit
// records replay bit-identically.
type OrderIntent struct {
	IntentID   string     `json:"intent_id" validate:"required"`
	Timestamp  string     `json:"timestamp" validate:"required"`
	StrategyID string     `json:"strategy_id" validate:"required"`
	AccountID  string     `json:"account_id" validate:"required"`
	Instrument Instrument `json:"instrument"`
	Side       Side       `json:"side" validate:"oneof=buy sell"`
	OrderType  OrderType  `json:"order_type" validate:"oneof=market limit"`
	Qty        float64    `json:"qty" validate:"gt=0"`
	LimitPrice *float64   `json:"limit_price,omitempty" validate:"omitempty,gte=0"`
}

// Validate checks field bounds and the limit-order invariant.
func (i *OrderIntent) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid order intent: %w", err)
	}
	if i.OrderType == Limit && i.LimitPrice == nil {
		return fmt.Errorf("limit order %s requires a limit_price", i.IntentID)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market and portfolio state
// ————————————————————————————————————————————————————————————————————————

// MarketSnapshot is a point-in-time view of prices. A missing or non-positive
// price for an intent's symbol is a fail-closed condition at evaluation time,
// not a validation error here.
type MarketSnapshot struct {
	Timestamp string             `json:"timestamp" validate:"required"`
	Prices    map[string]float64 `json:"prices"`
}

// Validate checks the snapshot's required fields.
func (m *MarketSnapshot) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid market snapshot: %w", err)
	}
	return nil
}

// PortfolioState holds the equity snapshot and open positions. Equity is held
// constant for the duration of a run; only positions change, and only the
// stream runner or HTTP handler may change them.
type PortfolioState struct {
	Equity           float64            `json:"equity" validate:"gt=0"`
	StartOfDayEquity float64            `json:"start_of_day_equity" validate:"gt=0"`
	PeakEquity       float64            `json:"peak_equity" validate:"gt=0"`
	Positions        map[string]float64 `json:"positions"`
	RealizedPnLToday float64            `json:"realized_pnl_today"`
	UnrealizedPnL    float64            `json:"unrealized_pnl"`
}

// Validate checks the portfolio's bounds.
func (p *PortfolioState) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid portfolio state: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Execution state
// ————————————————————————————————————————————————————————————————————————

// WindowEntry is one element of the rolling violation window. It serialises
// as a two-element [timestamp, rule_id] array to match the recorded format.
type WindowEntry struct {
	Timestamp string
	RuleID    string
}

// MarshalJSON encodes the entry as ["<timestamp>","<rule_id>"].
func (w WindowEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{w.Timestamp, w.RuleID})
}

// UnmarshalJSON decodes a two-element [timestamp, rule_id] array.
func (w *WindowEntry) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("violation window entry must be a [timestamp, rule_id] pair: %w", err)
	}
	w.Timestamp = pair[0]
	w.RuleID = pair[1]
	return nil
}

// ExecutionState tracks order-rate counters, the rolling violation window,
// and the kill-switch latch. The latch is monotone: once true it is never
// reset within a process lifetime.
type ExecutionState struct {
	OrdersLast60sGlobal     int            `json:"orders_last_60s_global" validate:"gte=0"`
	OrdersLast60sByStrategy map[string]int `json:"orders_last_60s_by_strategy" validate:"dive,gte=0"`
	ViolationsLastWindow    []WindowEntry  `json:"violations_last_window"`
	KillSwitchActive        bool           `json:"kill_switch_active"`
}

// NewExecutionState returns an empty execution state with initialised maps.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{
		OrdersLast60sByStrategy: make(map[string]int),
		ViolationsLastWindow:    []WindowEntry{},
	}
}

// Validate checks counter bounds.
func (e *ExecutionState) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid execution state: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Strict decoding
// ————————————————————————————————————————————————————————————————————————

var validate = validator.New()

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// DecodeOrderIntent parses and validates an OrderIntent, rejecting unknown
// fields at the boundary so the evaluator can treat inputs as totally valid.
func DecodeOrderIntent(data []byte) (OrderIntent, error) {
	var i OrderIntent
	if err := strictDecode(data, &i); err != nil {
		return i, fmt.Errorf("decode order intent: %w", err)
	}
	return i, i.Validate()
}

// DecodeMarketSnapshot parses and validates a MarketSnapshot.
func DecodeMarketSnapshot(data []byte) (MarketSnapshot, error) {
	var m MarketSnapshot
	if err := strictDecode(data, &m); err != nil {
		return m, fmt.Errorf("decode market snapshot: %w", err)
	}
	return m, m.Validate()
}

// DecodePortfolioState parses and validates a PortfolioState.
func DecodePortfolioState(data []byte) (PortfolioState, error) {
	var p PortfolioState
	if err := strictDecode(data, &p); err != nil {
		return p, fmt.Errorf("decode portfolio state: %w", err)
	}
	return p, p.Validate()
}

// DecodeExecutionState parses and validates an ExecutionState.
func DecodeExecutionState(data []byte) (ExecutionState, error) {
	var e ExecutionState
	if err := strictDecode(data, &e); err != nil {
		return e, fmt.Errorf("decode execution state: %w", err)
	}
	if e.OrdersLast60sByStrategy == nil {
		e.OrdersLast60sByStrategy = make(map[string]int)
	}
	if e.ViolationsLastWindow == nil {
		e.ViolationsLastWindow = []WindowEntry{}
	}
	return e, e.Validate()
}
