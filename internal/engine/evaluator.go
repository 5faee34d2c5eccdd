package engine

import (
	"math"

	"policygate/internal/policy"
	"policygate/pkg/types"
)

// Evaluate runs the fixed-order rule pipeline against an intent and returns
// a deterministic Decision.
//
// Pipeline order:
//  1. Fail-closed price check (SYS-001 short-circuits, no other rule runs)
//  2. Kill switch (KILL-001 short-circuits)
//  3. Loss limits: LOSS-001 then LOSS-002 (LOSS-002 may hard-trip the latch)
//  4. Execution throttles: EXEC-001 then EXEC-002
//  5. Exposure: EXP-001 (with reducible quantity), EXP-002, EXP-003
//  6. All clear means ALLOW
//
// In monitor mode every terminal DENY is flipped to ALLOW except SYS-001 —
// data-integrity failures always deny. MODIFY decisions are preserved as-is.
// Violations stay on the decision either way so they are still audited.
//
// Evaluate never mutates its inputs and observes no wall clock, randomness,
// or global state: identical inputs produce byte-identical decisions.
func Evaluate(
	intent types.OrderIntent,
	pol *policy.CapitalPolicy,
	portfolio types.PortfolioState,
	market types.MarketSnapshot,
	execution types.ExecutionState,
) Decision {
	d := evaluateEnforce(intent, pol, portfolio, market, execution)

	if pol.Defaults.Mode == policy.ModeMonitor && d.Verdict == Deny && !d.HasRule(RuleMissingPrice) {
		d.Verdict = Allow
	}
	return d
}

func evaluateEnforce(
	intent types.OrderIntent,
	pol *policy.CapitalPolicy,
	portfolio types.PortfolioState,
	market types.MarketSnapshot,
	execution types.ExecutionState,
) Decision {
	symbol := intent.Instrument.Symbol

	d := Decision{
		Verdict:    Deny,
		IntentID:   intent.IntentID,
		Violations: []Violation{},
		Evidence:   []Evidence{},
	}

	// --- 1. Fail-closed: missing price ---
	price, priced := market.Prices[symbol]
	if v := checkPrice(symbol, price, priced); v != nil {
		d.Violations = append(d.Violations, *v)
		return d
	}

	// --- Derived metrics ---
	equity := portfolio.Equity
	currentQty := portfolio.Positions[symbol]

	dailyReturn := (equity - portfolio.StartOfDayEquity) / portfolio.StartOfDayEquity

	var drawdown float64
	if portfolio.PeakEquity > 0 {
		drawdown = (portfolio.PeakEquity - equity) / portfolio.PeakEquity
	}

	newQty := currentQty + intent.Qty
	if intent.Side == types.Sell {
		newQty = currentQty - intent.Qty
	}
	newPositionPct := math.Abs(newQty*price) / equity

	// Post-trade exposure across every priced position plus the intent's
	// symbol. Positions without a market price are omitted from exposure
	// accounting; only the intent's symbol is fail-closed.
	positionValues := make(map[string]float64, len(portfolio.Positions)+1)
	for sym, qty := range portfolio.Positions {
		if p, ok := market.Prices[sym]; ok {
			positionValues[sym] = qty * p
		}
	}
	positionValues[symbol] = newQty * price

	var grossExposure, netSum float64
	for _, v := range positionValues {
		grossExposure += math.Abs(v)
		netSum += v
	}
	netExposure := math.Abs(netSum)

	var newGrossX, newNetX float64
	if equity > 0 {
		newGrossX = grossExposure / equity
		newNetX = netExposure / equity
	}

	expLimits := pol.ResolveExposure(symbol, intent.StrategyID)

	var netLimit float64
	if expLimits.MaxNetExposureX != nil {
		netLimit = *expLimits.MaxNetExposureX
	}

	d.Evidence = append(d.Evidence,
		Evidence{Metric: "daily_return", Value: round6(dailyReturn), Limit: round6(-pol.Limits.Loss.DailyLossLimitPct)},
		Evidence{Metric: "drawdown", Value: round6(drawdown), Limit: round6(pol.Limits.Loss.MaxDrawdownPct)},
		Evidence{Metric: "new_position_pct", Value: round6(newPositionPct), Limit: round6(expLimits.MaxPositionPct)},
		Evidence{Metric: "gross_exposure_x", Value: round6(newGrossX), Limit: round6(expLimits.MaxGrossExposureX)},
		Evidence{Metric: "net_exposure_x", Value: round6(newNetX), Limit: round6(netLimit)},
	)

	// --- 2. Kill switch ---
	if v := checkKillSwitch(execution.KillSwitchActive); v != nil {
		d.Violations = append(d.Violations, *v)
		return d
	}

	// --- 3. Loss limits ---
	if v := checkDailyLoss(dailyReturn, pol.Limits.Loss.DailyLossLimitPct); v != nil {
		d.Violations = append(d.Violations, *v)
	}
	if v := checkDrawdown(drawdown, pol.Limits.Loss.MaxDrawdownPct); v != nil {
		d.Violations = append(d.Violations, *v)
		if contains(pol.Limits.KillSwitch.TripOnRules, RuleDrawdown) {
			d.KillSwitchTriggered = true
		}
	}
	if len(d.Violations) > 0 {
		return d
	}

	// --- 4. Execution throttles ---
	execLimits := pol.ResolveExecution(intent.StrategyID)

	if v := checkGlobalRate(execution.OrdersLast60sGlobal, execLimits); v != nil {
		d.Violations = append(d.Violations, *v)
	}
	if v := checkStrategyRate(execution.OrdersLast60sByStrategy[intent.StrategyID], intent.StrategyID, execLimits); v != nil {
		d.Violations = append(d.Violations, *v)
	}
	if len(d.Violations) > 0 {
		return d
	}

	// --- 5. Exposure ---
	vPos, allowedQty := checkPositionLimit(
		newPositionPct, intent.Qty, currentQty, price, equity, intent.Side, expLimits)

	vGross := checkGrossExposure(newGrossX, expLimits.MaxGrossExposureX)

	var vNet *Violation
	if expLimits.MaxNetExposureX != nil {
		vNet = checkNetExposure(newNetX, *expLimits.MaxNetExposureX)
	}

	if vPos != nil {
		d.Violations = append(d.Violations, *vPos)
		if allowedQty > 0 && vGross == nil && vNet == nil {
			modified := intent
			modified.Qty = allowedQty
			d.Verdict = Modify
			d.ModifiedIntent = &modified
			return d
		}
		// Cannot reduce into compliance: accumulate the remaining exposure
		// violations for audit and deny.
		if vGross != nil {
			d.Violations = append(d.Violations, *vGross)
		}
		if vNet != nil {
			d.Violations = append(d.Violations, *vNet)
		}
		return d
	}

	if vGross != nil {
		d.Violations = append(d.Violations, *vGross)
	}
	if vNet != nil {
		d.Violations = append(d.Violations, *vNet)
	}
	if len(d.Violations) > 0 {
		return d
	}

	// --- 6. All passed ---
	d.Verdict = Allow
	return d
}

func contains(rules []string, ruleID string) bool {
	for _, r := range rules {
		if r == ruleID {
			return true
		}
	}
	return false
}
