package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"policygate/internal/policy"
	"policygate/pkg/types"
)

// Rule identifiers. Stable strings; versioned with the code.
const (
	RuleMissingPrice  = "SYS-001"
	RuleKillSwitch    = "KILL-001"
	RuleDailyLoss     = "LOSS-001"
	RuleDrawdown      = "LOSS-002"
	RuleGlobalRate    = "EXEC-001"
	RuleStrategyRate  = "EXEC-002"
	RulePositionLimit = "EXP-001"
	RuleGrossExposure = "EXP-002"
	RuleNetExposure   = "EXP-003"
)

// Each rule is a pure function of its scalar inputs: it returns nil when the
// rule passes, or a Violation whose Inputs (thresholds consulted) and
// Computed (metric values) make it reproducible.

// checkPrice fires SYS-001 when the intent's symbol has no positive price.
func checkPrice(symbol string, price float64, priced bool) *Violation {
	if priced && price > 0 {
		return nil
	}
	return &Violation{
		RuleID:   RuleMissingPrice,
		Severity: SeverityCrit,
		Message:  fmt.Sprintf("Missing or invalid price for symbol '%s'.", symbol),
		Inputs:   map[string]any{"symbol": symbol},
		Computed: map[string]any{},
	}
}

// checkKillSwitch fires KILL-001 while the latch is active.
func checkKillSwitch(killSwitchActive bool) *Violation {
	if !killSwitchActive {
		return nil
	}
	return &Violation{
		RuleID:   RuleKillSwitch,
		Severity: SeverityCrit,
		Message:  "Kill switch is active — all orders denied.",
		Inputs:   map[string]any{"kill_switch_active": true},
		Computed: map[string]any{},
	}
}

// checkDailyLoss fires LOSS-001 when the daily return breaches the loss limit.
func checkDailyLoss(dailyReturn, limitPct float64) *Violation {
	if dailyReturn > -limitPct {
		return nil
	}
	return &Violation{
		RuleID:   RuleDailyLoss,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("Daily loss %.4f breaches limit -%.4f.", dailyReturn, limitPct),
		Inputs:   map[string]any{"daily_loss_limit_pct": limitPct},
		Computed: map[string]any{"daily_return": dailyReturn},
	}
}

// checkDrawdown fires LOSS-002 when drawdown reaches the cap. LOSS-002 also
// hard-trips the kill switch when listed in the policy's trip_on_rules.
func checkDrawdown(drawdown, limitPct float64) *Violation {
	if drawdown < limitPct {
		return nil
	}
	return &Violation{
		RuleID:   RuleDrawdown,
		Severity: SeverityCrit,
		Message:  fmt.Sprintf("Drawdown %.4f breaches limit %.4f.", drawdown, limitPct),
		Inputs:   map[string]any{"max_drawdown_pct": limitPct},
		Computed: map[string]any{"drawdown": drawdown},
	}
}

// checkGlobalRate fires EXEC-001 at the global orders-per-minute throttle.
func checkGlobalRate(ordersLast60s int, limits policy.ExecutionLimits) *Violation {
	if ordersLast60s < limits.MaxOrdersPerMinuteGlobal {
		return nil
	}
	return &Violation{
		RuleID:   RuleGlobalRate,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("Global rate %d orders/min exceeds limit %d.",
			ordersLast60s, limits.MaxOrdersPerMinuteGlobal),
		Inputs:   map[string]any{"max_orders_per_minute_global": limits.MaxOrdersPerMinuteGlobal},
		Computed: map[string]any{"orders_last_60s_global": ordersLast60s},
	}
}

// checkStrategyRate fires EXEC-002 at the per-strategy throttle.
func checkStrategyRate(ordersLast60s int, strategyID string, limits policy.ExecutionLimits) *Violation {
	if ordersLast60s < limits.MaxOrdersPerMinuteByStrategy {
		return nil
	}
	return &Violation{
		RuleID:   RuleStrategyRate,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("Strategy '%s' rate %d orders/min exceeds limit %d.",
			strategyID, ordersLast60s, limits.MaxOrdersPerMinuteByStrategy),
		Inputs: map[string]any{
			"strategy_id":                       strategyID,
			"max_orders_per_minute_by_strategy": limits.MaxOrdersPerMinuteByStrategy,
		},
		Computed: map[string]any{"orders_last_60s_strategy": ordersLast60s},
	}
}

// checkPositionLimit fires EXP-001 at the per-symbol position cap. Alongside
// the violation it returns the reducible quantity: the largest delta that
// keeps the post-trade position at or below the cap, clamped to >= 0 and
// rounded to 8 decimal places. The evaluator uses it to decide MODIFY vs
// DENY.
func checkPositionLimit(
	newPositionPct, requestedQty, currentQty, price, equity float64,
	side types.Side,
	limits policy.ExposureLimits,
) (*Violation, float64) {
	if newPositionPct <= limits.MaxPositionPct {
		return nil, 0
	}

	maxValue := limits.MaxPositionPct * equity
	var allowedDelta float64
	if side == types.Buy {
		allowedDelta = maxValue/price - currentQty
	} else {
		allowedDelta = currentQty + maxValue/price
	}
	if allowedDelta < 0 {
		allowedDelta = 0
	}
	allowedDelta = round8(allowedDelta)

	return &Violation{
		RuleID:   RulePositionLimit,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("Position %.4f breaches limit %.4f.",
			newPositionPct, limits.MaxPositionPct),
		Inputs: map[string]any{"max_position_pct": limits.MaxPositionPct},
		Computed: map[string]any{
			"new_position_pct": newPositionPct,
			"requested_qty":    requestedQty,
			"allowed_qty":      allowedDelta,
		},
	}, allowedDelta
}

// checkGrossExposure fires EXP-002 at the gross exposure multiple.
func checkGrossExposure(newGrossX, limitX float64) *Violation {
	if newGrossX <= limitX {
		return nil
	}
	return &Violation{
		RuleID:   RuleGrossExposure,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("Gross exposure %.4fx breaches limit %.4fx.", newGrossX, limitX),
		Inputs:   map[string]any{"max_gross_exposure_x": limitX},
		Computed: map[string]any{"gross_exposure_x": newGrossX},
	}
}

// checkNetExposure fires EXP-003 at the net exposure multiple. Only runs
// when the policy configures a net limit.
func checkNetExposure(newNetX, limitX float64) *Violation {
	if newNetX <= limitX {
		return nil
	}
	return &Violation{
		RuleID:   RuleNetExposure,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("Net exposure %.4fx breaches limit %.4fx.", newNetX, limitX),
		Inputs:   map[string]any{"max_net_exposure_x": limitX},
		Computed: map[string]any{"net_exposure_x": newNetX},
	}
}

// round6 and round8 give the deterministic decimal roundings the audit
// format depends on.
func round6(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(6).Float64()
	return f
}

func round8(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return f
}
