package runner

import (
	"policygate/internal/engine"
	"policygate/pkg/types"
)

// Summary accumulates run statistics: per-verdict counts, a rule-id
// histogram, and submit/fill totals.
type Summary struct {
	Total     int
	Counts    map[engine.Verdict]int
	Histogram map[string]int
	Submitted int
	Filled    int
	RunID     string
}

// NewSummary creates an empty summary.
func NewSummary(runID string) *Summary {
	return &Summary{
		Counts: map[engine.Verdict]int{
			engine.Allow:  0,
			engine.Modify: 0,
			engine.Deny:   0,
		},
		Histogram: make(map[string]int),
		RunID:     runID,
	}
}

// Record tallies one decision.
func (s *Summary) Record(d engine.Decision) {
	s.Total++
	s.Counts[d.Verdict]++
	for _, v := range d.Violations {
		s.Histogram[v.RuleID]++
	}
}

// Report is the JSON shape of a finished run. Map keys serialise sorted, and
// the struct fields are ordered so the output keys are already sorted too.
type Report struct {
	Decisions        map[engine.Verdict]int `json:"decisions"`
	FinalEquity      float64                `json:"final_equity"`
	FinalPositions   map[string]float64     `json:"final_positions"`
	KillSwitchActive bool                   `json:"kill_switch_active"`
	OrdersFilled     int                    `json:"orders_filled"`
	OrdersSubmitted  int                    `json:"orders_submitted"`
	RuleHistogram    map[string]int         `json:"rule_histogram"`
	RunID            string                 `json:"run_id,omitempty"`
	TotalIntents     int                    `json:"total_intents"`
}

// Report snapshots the summary against the final portfolio and execution
// state.
func (s *Summary) Report(portfolio *types.PortfolioState, execution *types.ExecutionState) Report {
	positions := make(map[string]float64, len(portfolio.Positions))
	for sym, qty := range portfolio.Positions {
		positions[sym] = qty
	}
	return Report{
		Decisions:        s.Counts,
		FinalEquity:      portfolio.Equity,
		FinalPositions:   positions,
		KillSwitchActive: execution.KillSwitchActive,
		OrdersFilled:     s.Filled,
		OrdersSubmitted:  s.Submitted,
		RuleHistogram:    s.Histogram,
		RunID:            s.RunID,
		TotalIntents:     s.Total,
	}
}
