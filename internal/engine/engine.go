package engine

import (
	"math"
	"time"

	"policygate/internal/policy"
	"policygate/pkg/types"
)

// Engine holds a loaded, validated policy and its content hash. The policy
// is read-only after load; the engine is safe for shared use.
type Engine struct {
	policy     *policy.CapitalPolicy
	policyHash string
}

// New loads the policy at path and returns an engine bound to it.
func New(path string) (*Engine, error) {
	pol, hash, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	return &Engine{policy: pol, policyHash: hash}, nil
}

// NewWithPolicy wraps an already-parsed policy and its hash.
func NewWithPolicy(pol *policy.CapitalPolicy, hash string) *Engine {
	return &Engine{policy: pol, policyHash: hash}
}

// Policy returns the loaded policy.
func (e *Engine) Policy() *policy.CapitalPolicy { return e.policy }

// PolicyHash returns the SHA-256 hex digest of the raw policy source.
func (e *Engine) PolicyHash() string { return e.policyHash }

// Evaluate runs the pipeline and stamps the evaluation latency. eval_ms is
// the only field of the decision permitted to vary between identical calls;
// replay ignores it.
func (e *Engine) Evaluate(
	intent types.OrderIntent,
	portfolio types.PortfolioState,
	market types.MarketSnapshot,
	execution types.ExecutionState,
) Decision {
	t0 := time.Now()
	d := Evaluate(intent, e.policy, portfolio, market, execution)
	d.EvalMS = math.Round(float64(time.Since(t0).Nanoseconds())/1e6*1000) / 1000
	return d
}
