package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"policygate/internal/audit"
	"policygate/internal/broker"
	"policygate/internal/engine"
	"policygate/internal/execlog"
	"policygate/internal/policy"
	"policygate/pkg/types"
)

const runnerPolicyYAML = `version: "0.1"
timezone: UTC
defaults:
  mode: enforce
  decision: deny
limits:
  exposure:
    max_position_pct: 0.10
    max_gross_exposure_x: 2.0
  loss:
    daily_loss_limit_pct: 0.02
    max_drawdown_pct: 0.05
  execution:
    max_orders_per_minute_global: 20
    max_orders_per_minute_by_strategy: 10
  kill_switch:
    trip_on_rules: ["LOSS-002"]
    trip_after_n_violations: 3
    violation_window_seconds: 300
`

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	pol, err := policy.Parse([]byte(runnerPolicyYAML))
	if err != nil {
		t.Fatal(err)
	}
	return engine.NewWithPolicy(pol, policy.Hash([]byte(runnerPolicyYAML)))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func intentAt(id string, ts string, qty float64) types.OrderIntent {
	return types.OrderIntent{
		IntentID:   id,
		Timestamp:  ts,
		StrategyID: "momo_1",
		AccountID:  "acct_1",
		Instrument: types.Instrument{Symbol: "AAPL", AssetClass: types.Equity},
		Side:       types.Buy,
		OrderType:  types.Market,
		Qty:        qty,
	}
}

func runnerFixture(t *testing.T, portfolio *types.PortfolioState, b broker.Adapter) (*Runner, *types.ExecutionState, string, string) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")
	execPath := filepath.Join(dir, "exec.jsonl")
	execution := types.NewExecutionState()

	r := New(Config{
		Engine:    testEngine(t),
		Broker:    b,
		Portfolio: portfolio,
		Execution: execution,
		Market: types.MarketSnapshot{
			Timestamp: "2026-02-24T09:30:00Z",
			Prices:    map[string]float64{"AAPL": 200, "TSLA": 400},
		},
		AuditPath: auditPath,
		ExecPath:  execPath,
		RunID:     "run-test",
		Logger:    quietLogger(),
	})
	return r, execution, auditPath, execPath
}

func normalPortfolio() *types.PortfolioState {
	return &types.PortfolioState{
		Equity:           100000,
		StartOfDayEquity: 100000,
		PeakEquity:       100000,
		Positions:        map[string]float64{},
	}
}

func TestRunAllowSubmitsAndAppliesFill(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	r, execution, auditPath, execPath := runnerFixture(t, portfolio, broker.NewSim())

	summary, err := r.Run(context.Background(), []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 10),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Counts[engine.Allow] != 1 || summary.Submitted != 1 || summary.Filled != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if portfolio.Positions["AAPL"] != 10 {
		t.Errorf("positions = %v, want AAPL 10", portfolio.Positions)
	}
	if execution.OrdersLast60sGlobal != 1 || execution.OrdersLast60sByStrategy["momo_1"] != 1 {
		t.Errorf("counters = %d / %v", execution.OrdersLast60sGlobal, execution.OrdersLast60sByStrategy)
	}

	events, err := audit.ReadAll(auditPath)
	if err != nil || len(events) != 1 {
		t.Fatalf("audit events = %d err=%v, want 1", len(events), err)
	}
	if events[0].RunID != "run-test" {
		t.Errorf("audit run_id = %q", events[0].RunID)
	}

	execEvents, err := execlog.ReadAll(execPath)
	if err != nil || len(execEvents) != 2 {
		t.Fatalf("exec events = %d err=%v, want submit+fill", len(execEvents), err)
	}
	if execEvents[0].Event != execlog.OrderSubmitted || execEvents[1].Event != execlog.OrderFilled {
		t.Errorf("exec events = %v %v", execEvents[0].Event, execEvents[1].Event)
	}
}

func TestRunModifySubmitsReducedQty(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	portfolio.Positions["AAPL"] = 10
	r, _, _, execPath := runnerFixture(t, portfolio, broker.NewSim())

	summary, err := r.Run(context.Background(), []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 50),
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Counts[engine.Modify] != 1 {
		t.Fatalf("summary = %+v, want one MODIFY", summary)
	}

	// The broker saw the reduced quantity, and the fill took the position
	// exactly to the cap.
	if portfolio.Positions["AAPL"] != 50 {
		t.Errorf("position = %v, want 50 (10 held + 40 modified)", portfolio.Positions["AAPL"])
	}
	execEvents, err := execlog.ReadAll(execPath)
	if err != nil {
		t.Fatal(err)
	}
	if execEvents[0].Qty != 40 {
		t.Errorf("submitted qty = %v, want 40", execEvents[0].Qty)
	}
}

func TestRunDenyDoesNotSubmit(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	portfolio.Positions["AAPL"] = 600
	portfolio.Positions["TSLA"] = 300
	r, execution, _, execPath := runnerFixture(t, portfolio, broker.NewSim())

	summary, err := r.Run(context.Background(), []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Counts[engine.Deny] != 1 || summary.Submitted != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if execution.OrdersLast60sGlobal != 0 {
		t.Error("denied intents must not advance counters")
	}
	if _, err := os.Stat(execPath); !os.IsNotExist(err) {
		t.Error("no execution events expected for a pure deny")
	}
}

func TestRunDrawdownTripsKillSwitchThenDeniesRest(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	portfolio.Equity = 90000
	r, execution, _, _ := runnerFixture(t, portfolio, broker.NewSim())

	summary, err := r.Run(context.Background(), []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 1),
		intentAt("i-2", "2026-02-24T09:30:02Z", 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	if !execution.KillSwitchActive {
		t.Fatal("LOSS-002 must latch the kill switch")
	}
	if summary.Counts[engine.Deny] != 2 {
		t.Errorf("summary = %+v, want two denies", summary)
	}
	if summary.Histogram["KILL-001"] != 1 {
		t.Errorf("histogram = %v, want the second intent denied by KILL-001", summary.Histogram)
	}
}

func TestRunSoftTripAfterNViolations(t *testing.T) {
	t.Parallel()

	// Each intent hits EXP-001 at the cap with nothing reducible: exactly
	// one violation per intent. The third latches the switch; the fourth is
	// denied by KILL-001 alone.
	portfolio := normalPortfolio()
	portfolio.Positions["AAPL"] = 50
	r, execution, auditPath, _ := runnerFixture(t, portfolio, broker.NewSim())

	intents := []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 1),
		intentAt("i-2", "2026-02-24T09:30:02Z", 1),
		intentAt("i-3", "2026-02-24T09:30:03Z", 1),
		intentAt("i-4", "2026-02-24T09:30:04Z", 1),
	}

	summary, err := r.Run(context.Background(), intents)
	if err != nil {
		t.Fatal(err)
	}
	if !execution.KillSwitchActive {
		t.Fatal("three violations in the window must soft-trip the switch")
	}
	if summary.Histogram["EXP-001"] != 3 || summary.Histogram["KILL-001"] != 1 {
		t.Errorf("histogram = %v", summary.Histogram)
	}

	events, err := audit.ReadAll(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if len(last.Decision.Violations) != 1 || last.Decision.Violations[0].RuleID != "KILL-001" {
		t.Errorf("fourth decision violations = %+v, want KILL-001 alone", last.Decision.Violations)
	}
	// The fourth intent observed the latched state in its recorded inputs.
	if !last.ExecutionState.KillSwitchActive {
		t.Error("recorded execution state must show the latch")
	}
}

func TestKillSwitchIsMonotone(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	portfolio.Positions["AAPL"] = 50
	r, execution, _, _ := runnerFixture(t, portfolio, broker.NewSim())

	var intents []types.OrderIntent
	for i := 1; i <= 10; i++ {
		intents = append(intents, intentAt(
			fmt.Sprintf("i-%d", i),
			fmt.Sprintf("2026-02-24T09:30:%02dZ", i),
			1,
		))
	}
	if _, err := r.Run(context.Background(), intents); err != nil {
		t.Fatal(err)
	}
	if !execution.KillSwitchActive {
		t.Fatal("switch should have tripped")
	}

	// Even a clean intent afterwards never resets the latch.
	clean := intentAt("i-clean", "2026-02-24T09:31:00Z", 1)
	if _, err := r.ProcessIntent(context.Background(), clean, types.MarketSnapshot{
		Timestamp: "2026-02-24T09:31:00Z",
		Prices:    map[string]float64{"AAPL": 200},
	}); err != nil {
		t.Fatal(err)
	}
	if !execution.KillSwitchActive {
		t.Error("kill switch must be write-once within a run")
	}
}

func TestWindowEviction(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	portfolio.Positions["AAPL"] = 50
	r, execution, _, _ := runnerFixture(t, portfolio, broker.NewSim())

	// Two violations early, then one 10 minutes later: the early pair falls
	// out of the 300-second window, so the switch stays open.
	intents := []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 1),
		intentAt("i-2", "2026-02-24T09:30:02Z", 1),
		intentAt("i-3", "2026-02-24T09:40:00Z", 1),
	}
	if _, err := r.Run(context.Background(), intents); err != nil {
		t.Fatal(err)
	}

	if execution.KillSwitchActive {
		t.Error("evicted violations must not count toward the soft trip")
	}
	if len(execution.ViolationsLastWindow) != 1 {
		t.Errorf("window = %+v, want only the latest violation", execution.ViolationsLastWindow)
	}
}

func TestWindowRetainsUnparseableTimestamps(t *testing.T) {
	t.Parallel()

	window := []types.WindowEntry{
		{Timestamp: "not-a-timestamp", RuleID: "EXP-001"},
		{Timestamp: "2026-02-24T09:00:00Z", RuleID: "EXP-001"},
	}
	evicted := evictWindow(window, "2026-02-24T09:40:00Z", 300)

	if len(evicted) != 1 || evicted[0].Timestamp != "not-a-timestamp" {
		t.Errorf("evicted = %+v, want the unparseable entry retained", evicted)
	}

	// Unparseable current timestamp: retain everything.
	kept := evictWindow(window, "garbage", 300)
	if len(kept) != 2 {
		t.Errorf("kept = %+v, want all entries retained", kept)
	}
}

// failingBroker errors on submit.
type failingBroker struct{}

func (failingBroker) Submit(context.Context, types.OrderIntent, types.MarketSnapshot) (string, error) {
	return "", errors.New("connection reset")
}
func (failingBroker) Cancel(context.Context, string) error { return nil }
func (failingBroker) PollFills(context.Context, string) ([]broker.Fill, error) {
	return nil, nil
}

func TestBrokerFailureFailsLoudAfterAudit(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	r, _, auditPath, execPath := runnerFixture(t, portfolio, failingBroker{})

	_, err := r.Run(context.Background(), []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 10),
	})
	if err == nil {
		t.Fatal("broker failure must propagate")
	}

	// The audit record is durable even though the broker step failed.
	events, err2 := audit.ReadAll(auditPath)
	if err2 != nil || len(events) != 1 {
		t.Fatalf("audit events = %d err=%v, want 1", len(events), err2)
	}

	execEvents, err2 := execlog.ReadAll(execPath)
	if err2 != nil || len(execEvents) != 1 {
		t.Fatalf("exec events = %d err=%v, want 1", len(execEvents), err2)
	}
	if execEvents[0].Event != execlog.OrderRejected {
		t.Errorf("exec event = %v, want ORDER_REJECTED", execEvents[0].Event)
	}
}

func TestAuditPrecedesEverySubmission(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	r, _, auditPath, execPath := runnerFixture(t, portfolio, broker.NewSim())

	intents := []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 10),
		intentAt("i-2", "2026-02-24T09:30:02Z", 10),
		intentAt("i-3", "2026-02-24T09:30:03Z", 10),
	}
	if _, err := r.Run(context.Background(), intents); err != nil {
		t.Fatal(err)
	}

	auditEvents, err := audit.ReadAll(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	execEvents, err := execlog.ReadAll(execPath)
	if err != nil {
		t.Fatal(err)
	}

	// Every submitted/rejected execution event has a preceding audit record
	// for the same intent.
	audited := make(map[string]bool)
	idx := 0
	for _, ee := range execEvents {
		if ee.Event != execlog.OrderSubmitted && ee.Event != execlog.OrderRejected {
			continue
		}
		for idx < len(auditEvents) {
			audited[auditEvents[idx].Intent.IntentID] = true
			idx++
			if audited[ee.IntentID] {
				break
			}
		}
		if !audited[ee.IntentID] {
			t.Errorf("execution event for %s has no preceding audit record", ee.IntentID)
		}
	}
}

func TestRunReportShape(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	r, execution, _, _ := runnerFixture(t, portfolio, broker.NewSim())

	if _, err := r.Run(context.Background(), []types.OrderIntent{
		intentAt("i-1", "2026-02-24T09:30:01Z", 10),
		intentAt("i-2", "2026-02-24T09:30:02Z", 2000), // DENY: gross exposure breached as well, so no MODIFY
	}); err != nil {
		t.Fatal(err)
	}

	report := r.Summary().Report(portfolio, execution)
	if report.TotalIntents != 2 {
		t.Errorf("total = %d", report.TotalIntents)
	}
	if report.Decisions[engine.Allow] != 1 {
		t.Errorf("decisions = %v", report.Decisions)
	}
	if report.FinalEquity != 100000 {
		t.Errorf("final equity = %v, want the frozen snapshot", report.FinalEquity)
	}
	if report.FinalPositions["AAPL"] != 10 {
		t.Errorf("final positions = %v", report.FinalPositions)
	}
	if report.RunID != "run-test" {
		t.Errorf("run_id = %q", report.RunID)
	}
}

func TestSellFillRemovesFlatPosition(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	portfolio.Positions["AAPL"] = 10
	r, _, _, _ := runnerFixture(t, portfolio, broker.NewSim())

	sell := intentAt("i-1", "2026-02-24T09:30:01Z", 10)
	sell.Side = types.Sell
	if _, err := r.Run(context.Background(), []types.OrderIntent{sell}); err != nil {
		t.Fatal(err)
	}

	if _, held := portfolio.Positions["AAPL"]; held {
		t.Errorf("flat position should be dropped, got %v", portfolio.Positions)
	}
}

func TestRejectedLimitOrderEmitsRejectedEvent(t *testing.T) {
	t.Parallel()

	portfolio := normalPortfolio()
	r, _, _, execPath := runnerFixture(t, portfolio, broker.NewSim())

	limit := intentAt("i-1", "2026-02-24T09:30:01Z", 10)
	limit.OrderType = types.Limit
	lp := 190.0
	limit.LimitPrice = &lp // below market: sim rejects

	if _, err := r.Run(context.Background(), []types.OrderIntent{limit}); err != nil {
		t.Fatal(err)
	}

	events, err := execlog.ReadAll(execPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("exec events = %+v, want submit then reject", events)
	}
	if events[0].Event != execlog.OrderSubmitted || events[1].Event != execlog.OrderRejected {
		t.Errorf("events = %v %v", events[0].Event, events[1].Event)
	}
}
