// Package engine implements the deterministic capital policy evaluator: the
// rule functions, the fixed-order pipeline that turns an order intent into a
// decision, and the engine facade that owns a loaded policy.
package engine

import (
	"bytes"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"policygate/pkg/types"
)

// EngineVersion is stamped into every audit event.
const EngineVersion = "0.1.0"

// Verdict is the engine's answer for an intent.
type Verdict string

const (
	Allow  Verdict = "ALLOW"
	Deny   Verdict = "DENY"
	Modify Verdict = "MODIFY"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityLow  Severity = "LOW"
	SeverityMed  Severity = "MED"
	SeverityHigh Severity = "HIGH"
	SeverityCrit Severity = "CRIT"
)

// Violation records one fired rule. Inputs hold the thresholds consulted and
// Computed the metric values, together making the violation reproducible.
type Violation struct {
	RuleID   string         `json:"rule_id"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Inputs   map[string]any `json:"inputs"`
	Computed map[string]any `json:"computed"`
}

// Evidence is one metric/limit pair attached to a decision for post-hoc
// audit. Values are rounded to 6 decimal places before they get here.
type Evidence struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
}

// Decision is the engine's verdict about an intent. The verdict serialises
// under the "decision" key, matching the recorded audit format.
type Decision struct {
	Verdict             Verdict            `json:"decision"`
	IntentID            string             `json:"intent_id"`
	ModifiedIntent      *types.OrderIntent `json:"modified_intent,omitempty"`
	Violations          []Violation        `json:"violations"`
	Evidence            []Evidence         `json:"evidence"`
	KillSwitchTriggered bool               `json:"kill_switch_triggered"`
	EvalMS              float64            `json:"eval_ms"`
}

// HasRule reports whether the decision carries a violation with the given
// rule id.
func (d *Decision) HasRule(ruleID string) bool {
	for _, v := range d.Violations {
		if v.RuleID == ruleID {
			return true
		}
	}
	return false
}

// comparableDecision is the subset of Decision that the replay contract
// compares: verdict, intent id, violations (including ordering), the
// kill-switch flag, and the modified intent. eval_ms and evidence are
// excluded.
type comparableDecision struct {
	Verdict             Verdict            `json:"decision"`
	IntentID            string             `json:"intent_id"`
	ModifiedIntent      *types.OrderIntent `json:"modified_intent,omitempty"`
	Violations          []Violation        `json:"violations"`
	KillSwitchTriggered bool               `json:"kill_switch_triggered"`
}

// DecisionsMatch compares two decisions for logical equality per the replay
// contract. The comparison canonicalises both sides to RFC 8785 JSON so that
// numeric representation differences from a JSON round trip (int vs float)
// cannot produce spurious mismatches.
func DecisionsMatch(a, b Decision) bool {
	ca, errA := canonicalComparable(a)
	cb, errB := canonicalComparable(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func canonicalComparable(d Decision) ([]byte, error) {
	raw, err := json.Marshal(comparableDecision{
		Verdict:             d.Verdict,
		IntentID:            d.IntentID,
		ModifiedIntent:      d.ModifiedIntent,
		Violations:          d.Violations,
		KillSwitchTriggered: d.KillSwitchTriggered,
	})
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
