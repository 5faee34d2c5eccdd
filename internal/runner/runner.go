// Package runner drives a stream of order intents through the policy engine
// and a broker, evolving the shared execution state.
//
// The runner is the single writer for portfolio and execution state. Per
// intent it evaluates, appends the audit record before any broker I/O,
// submits when allowed, applies fills, advances the rate counters, rolls the
// violation window, and latches the kill switch. Broker failures are not
// recovered: the audit record is already durable, an ORDER_REJECTED event is
// emitted, and the failure propagates.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"policygate/internal/audit"
	"policygate/internal/broker"
	"policygate/internal/engine"
	"policygate/internal/execlog"
	"policygate/pkg/types"
)

// Runner owns the per-run mutable state.
type Runner struct {
	engine    *engine.Engine
	broker    broker.Adapter
	portfolio *types.PortfolioState
	execution *types.ExecutionState
	market    types.MarketSnapshot

	auditPath string
	execLog   *execlog.Writer
	runID     string

	summary *Summary
	logger  *slog.Logger
}

// Config wires a runner.
type Config struct {
	Engine    *engine.Engine
	Broker    broker.Adapter
	Portfolio *types.PortfolioState
	Execution *types.ExecutionState
	Market    types.MarketSnapshot
	AuditPath string // empty disables audit logging
	ExecPath  string // empty disables the execution event log
	RunID     string
	Logger    *slog.Logger
}

// New creates a runner. Portfolio and execution state are borrowed for the
// runner's lifetime; no other writer may touch them.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		engine:    cfg.Engine,
		broker:    cfg.Broker,
		portfolio: cfg.Portfolio,
		execution: cfg.Execution,
		market:    cfg.Market,
		auditPath: cfg.AuditPath,
		execLog:   execlog.NewWriter(cfg.ExecPath, cfg.RunID, cfg.Engine.PolicyHash()),
		runID:     cfg.RunID,
		summary:   NewSummary(cfg.RunID),
		logger:    cfg.Logger.With("component", "runner"),
	}
}

// Run processes the intents in order and returns the accumulated summary.
// Processing stops at the first broker or audit failure.
func (r *Runner) Run(ctx context.Context, intents []types.OrderIntent) (*Summary, error) {
	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			return r.summary, err
		}
		if _, err := r.ProcessIntent(ctx, intent, r.market); err != nil {
			return r.summary, err
		}
	}
	return r.summary, nil
}

// Summary returns the summary accumulated so far.
func (r *Runner) Summary() *Summary { return r.summary }

// ProcessIntent runs the full per-intent sequence against the given market
// snapshot: evaluate, audit, submit, apply fills, advance counters, roll the
// window, latch. The sequence is atomic with respect to other intents — the
// caller guarantees single-threaded access (the HTTP handler does so under
// its server lock).
func (r *Runner) ProcessIntent(ctx context.Context, intent types.OrderIntent, market types.MarketSnapshot) (engine.Decision, error) {
	decision := r.engine.Evaluate(intent, *r.portfolio, market, *r.execution)
	r.summary.Record(decision)

	// Audit before any broker I/O. A failed append aborts the intent: an
	// unaudited submission must never happen.
	if r.auditPath != "" {
		ev := audit.BuildEvent(decision, intent, *r.portfolio, market, *r.execution, r.engine.PolicyHash(), r.runID)
		if err := audit.Append(r.auditPath, ev); err != nil {
			return decision, fmt.Errorf("audit append: %w", err)
		}
	}

	if decision.Verdict == engine.Allow || decision.Verdict == engine.Modify {
		if err := r.submitAndReconcile(ctx, intent, decision, market); err != nil {
			return decision, err
		}
	}

	// Roll the violation window, keyed by the intent's timestamp.
	for _, v := range decision.Violations {
		r.execution.ViolationsLastWindow = append(r.execution.ViolationsLastWindow,
			types.WindowEntry{Timestamp: intent.Timestamp, RuleID: v.RuleID})
	}
	r.execution.ViolationsLastWindow = evictWindow(
		r.execution.ViolationsLastWindow,
		intent.Timestamp,
		r.engine.Policy().Limits.KillSwitch.ViolationWindowSeconds,
	)

	// Latch the kill switch: hard trip from the decision, soft trip from
	// accumulation. Write-once — nothing ever resets it.
	if decision.KillSwitchTriggered {
		r.tripKillSwitch("LOSS-002 hard trip")
	}
	if !r.execution.KillSwitchActive &&
		len(r.execution.ViolationsLastWindow) >= r.engine.Policy().Limits.KillSwitch.TripAfterNViolations {
		r.tripKillSwitch("violation window threshold reached")
	}

	return decision, nil
}

func (r *Runner) submitAndReconcile(ctx context.Context, intent types.OrderIntent, decision engine.Decision, market types.MarketSnapshot) error {
	effective := intent
	if decision.ModifiedIntent != nil {
		effective = *decision.ModifiedIntent
	}

	orderID, err := r.broker.Submit(ctx, effective, market)
	if err != nil {
		r.logExec(execlog.Event{
			Event:    execlog.OrderRejected,
			IntentID: intent.IntentID,
			Symbol:   effective.Instrument.Symbol,
		})
		return fmt.Errorf("broker submit: %w", err)
	}

	r.logExec(execlog.Event{
		Event:     execlog.OrderSubmitted,
		IntentID:  intent.IntentID,
		OrderID:   orderID,
		Symbol:    effective.Instrument.Symbol,
		Side:      effective.Side,
		Qty:       effective.Qty,
		OrderType: effective.OrderType,
	})
	r.summary.Submitted++

	fills, err := r.broker.PollFills(ctx, intent.Timestamp)
	if err != nil {
		r.logExec(execlog.Event{
			Event:    execlog.OrderRejected,
			IntentID: intent.IntentID,
			OrderID:  orderID,
			Symbol:   effective.Instrument.Symbol,
		})
		return fmt.Errorf("broker poll fills: %w", err)
	}

	for _, fill := range fills {
		applyFill(r.portfolio, fill)
		r.summary.Filled++
		r.logExec(execlog.Event{
			Event:    execlog.OrderFilled,
			IntentID: intent.IntentID,
			OrderID:  fill.OrderID,
			Symbol:   fill.Symbol,
			Side:     fill.Side,
			Qty:      fill.Qty,
			Price:    fill.Price,
		})
	}

	// No fills: if the broker reports per-order status and marks the order
	// rejected, say so in the execution log.
	if len(fills) == 0 {
		if sr, ok := r.broker.(broker.StatusReporter); ok {
			if order, err := sr.GetOrder(ctx, orderID); err == nil && order.Status == broker.StatusRejected {
				r.logExec(execlog.Event{
					Event:    execlog.OrderRejected,
					IntentID: intent.IntentID,
					OrderID:  orderID,
					Symbol:   effective.Instrument.Symbol,
				})
			}
		}
	}

	r.execution.OrdersLast60sGlobal++
	if r.execution.OrdersLast60sByStrategy == nil {
		r.execution.OrdersLast60sByStrategy = make(map[string]int)
	}
	r.execution.OrdersLast60sByStrategy[intent.StrategyID]++
	return nil
}

func (r *Runner) tripKillSwitch(reason string) {
	if r.execution.KillSwitchActive {
		return
	}
	r.execution.KillSwitchActive = true
	r.logger.Error("KILL SWITCH", "reason", reason, "run_id", r.runID)
}

func (r *Runner) logExec(ev execlog.Event) {
	if err := r.execLog.Append(ev); err != nil {
		r.logger.Error("exec log append failed", "error", err)
	}
}

// applyFill updates positions: add on buy, subtract on sell, drop entries
// within 1e-10 of zero. Equity is not touched — it is a snapshot input for
// the duration of a run.
func applyFill(portfolio *types.PortfolioState, fill broker.Fill) {
	current := portfolio.Positions[fill.Symbol]
	newQty := current + fill.Qty
	if fill.Side == types.Sell {
		newQty = current - fill.Qty
	}

	if math.Abs(newQty) < 1e-10 {
		delete(portfolio.Positions, fill.Symbol)
		return
	}
	if portfolio.Positions == nil {
		portfolio.Positions = make(map[string]float64)
	}
	portfolio.Positions[fill.Symbol] = newQty
}

// evictWindow drops entries older than windowSeconds relative to currentTS,
// both parsed as RFC 3339. Unparseable timestamps are retained — the
// conservative choice keeps a possibly-stale violation counted rather than
// silently forgetting it.
func evictWindow(window []types.WindowEntry, currentTS string, windowSeconds int) []types.WindowEntry {
	now, err := time.Parse(time.RFC3339, currentTS)
	if err != nil {
		return window
	}
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)

	kept := window[:0]
	for _, entry := range window {
		t, err := time.Parse(time.RFC3339, entry.Timestamp)
		if err != nil || !t.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	return kept
}
