package audit

import (
	"errors"
	"fmt"

	"policygate/internal/engine"
	"policygate/internal/policy"
)

// ErrPolicyHashMismatch means the policy offered for replay is not the one
// that produced the recorded event. Replay fails logically; nothing ran.
var ErrPolicyHashMismatch = errors.New("policy hash does not match audit event")

// Replay reconstructs the inputs recorded in an audit event and re-runs the
// evaluator against the given policy. The policy's hash must equal the
// event's policy_hash. It returns the recorded decision and the replayed
// decision; the caller compares them with engine.DecisionsMatch.
func Replay(ev Event, pol *policy.CapitalPolicy, policyHash string) (original, replayed engine.Decision, err error) {
	if policyHash != ev.PolicyHash {
		return engine.Decision{}, engine.Decision{},
			fmt.Errorf("%w: engine=%s event=%s", ErrPolicyHashMismatch, policyHash, ev.PolicyHash)
	}

	replayed = engine.Evaluate(ev.Intent, pol, ev.PortfolioState, ev.MarketSnapshot, ev.ExecutionState)
	return ev.Decision, replayed, nil
}

// Verify replays every event in a recorded log against the policy and
// returns the ids of events whose replayed decision diverges from the
// recorded one. An empty slice means the whole log replays bit-identically.
func Verify(path string, pol *policy.CapitalPolicy, policyHash string) ([]string, error) {
	events, err := ReadAll(path)
	if err != nil {
		return nil, err
	}

	var mismatched []string
	for _, ev := range events {
		original, replayed, err := Replay(ev, pol, policyHash)
		if err != nil {
			return nil, err
		}
		if !engine.DecisionsMatch(original, replayed) {
			mismatched = append(mismatched, ev.EventID)
		}
	}
	return mismatched, nil
}
