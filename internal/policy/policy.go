// Package policy defines the capital policy document (DSL v0.1), its strict
// loader, and the override resolution rules.
//
// A policy is a declarative YAML document. Loading is strict: unknown keys at
// any depth are rejected, numeric bounds are enforced, and the timezone must
// be UTC. The SHA-256 of the raw document bytes is the policy hash stamped
// into every audit record.
package policy

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Mode selects how violations affect the verdict: enforce denies, monitor
// records the violations but lets the order through.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeMonitor Mode = "monitor"
)

// DecisionDefault is the fallback verdict for future rule families.
type DecisionDefault string

const (
	DefaultDeny  DecisionDefault = "deny"
	DefaultAllow DecisionDefault = "allow"
)

// ExposureLimits cap position and portfolio exposure.
type ExposureLimits struct {
	MaxPositionPct    float64  `yaml:"max_position_pct" json:"max_position_pct" validate:"gt=0,lte=1"`
	MaxGrossExposureX float64  `yaml:"max_gross_exposure_x" json:"max_gross_exposure_x" validate:"gt=0"`
	MaxNetExposureX   *float64 `yaml:"max_net_exposure_x,omitempty" json:"max_net_exposure_x,omitempty" validate:"omitempty,gt=0"`
}

// LossLimits cap daily loss and drawdown, both as fractions of equity.
type LossLimits struct {
	DailyLossLimitPct float64 `yaml:"daily_loss_limit_pct" json:"daily_loss_limit_pct" validate:"gt=0,lte=1"`
	MaxDrawdownPct    float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct" validate:"gt=0,lte=1"`
}

// ExecutionLimits throttle order rates per rolling minute.
type ExecutionLimits struct {
	MaxOrdersPerMinuteGlobal     int `yaml:"max_orders_per_minute_global" json:"max_orders_per_minute_global" validate:"gte=1,lte=10000"`
	MaxOrdersPerMinuteByStrategy int `yaml:"max_orders_per_minute_by_strategy" json:"max_orders_per_minute_by_strategy" validate:"gte=1,lte=10000"`
}

// KillSwitch configures the latch: which rules hard-trip it, and how many
// violations inside the rolling window soft-trip it.
type KillSwitch struct {
	TripOnRules            []string `yaml:"trip_on_rules" json:"trip_on_rules"`
	TripAfterNViolations   int      `yaml:"trip_after_n_violations" json:"trip_after_n_violations" validate:"gte=1,lte=10000"`
	ViolationWindowSeconds int      `yaml:"violation_window_seconds" json:"violation_window_seconds" validate:"gte=1,lte=31536000"`
}

// Defaults sets the evaluation mode and fallback verdict.
type Defaults struct {
	Mode     Mode            `yaml:"mode" json:"mode" validate:"oneof=enforce monitor"`
	Decision DecisionDefault `yaml:"decision" json:"decision" validate:"oneof=deny allow"`
}

// Limits groups the four rule families.
type Limits struct {
	Exposure   ExposureLimits  `yaml:"exposure" json:"exposure"`
	Loss       LossLimits      `yaml:"loss" json:"loss"`
	Execution  ExecutionLimits `yaml:"execution" json:"execution"`
	KillSwitch KillSwitch      `yaml:"kill_switch" json:"kill_switch"`
}

// Override replaces one or more limit families for a symbol or strategy.
// Loss overrides are parsed and preserved but do not participate in v0.1
// evaluation; the resolution path is reserved for a future version.
type Override struct {
	Exposure  *ExposureLimits  `yaml:"exposure,omitempty" json:"exposure,omitempty"`
	Loss      *LossLimits      `yaml:"loss,omitempty" json:"loss,omitempty"`
	Execution *ExecutionLimits `yaml:"execution,omitempty" json:"execution,omitempty"`
}

// Overrides holds per-symbol and per-strategy limit replacements.
type Overrides struct {
	Symbols    map[string]Override `yaml:"symbols,omitempty" json:"symbols,omitempty" validate:"dive"`
	Strategies map[string]Override `yaml:"strategies,omitempty" json:"strategies,omitempty" validate:"dive"`
}

// CapitalPolicy is the full policy document.
type CapitalPolicy struct {
	Version   string    `yaml:"version" json:"version" validate:"eq=0.1"`
	Timezone  string    `yaml:"timezone" json:"timezone"`
	Defaults  Defaults  `yaml:"defaults" json:"defaults"`
	Limits    Limits    `yaml:"limits" json:"limits"`
	Overrides Overrides `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

var validate = validator.New()

// validateBounds enforces the numeric bounds of the schema after defaults
// have been applied. Absent override families are nil pointers and skipped;
// present ones are checked through struct traversal.
func (p *CapitalPolicy) validateBounds() error {
	return validate.Struct(p)
}

// ResolveExposure returns the effective exposure limits for a (symbol,
// strategy) context. Precedence: symbol override, then strategy override,
// then defaults.
func (p *CapitalPolicy) ResolveExposure(symbol, strategyID string) ExposureLimits {
	if o, ok := p.Overrides.Symbols[symbol]; ok && o.Exposure != nil {
		return *o.Exposure
	}
	if o, ok := p.Overrides.Strategies[strategyID]; ok && o.Exposure != nil {
		return *o.Exposure
	}
	return p.Limits.Exposure
}

// ResolveExecution returns the effective execution limits for a strategy.
// Only strategy overrides apply to execution throttles.
func (p *CapitalPolicy) ResolveExecution(strategyID string) ExecutionLimits {
	if o, ok := p.Overrides.Strategies[strategyID]; ok && o.Execution != nil {
		return *o.Execution
	}
	return p.Limits.Execution
}

// LoadError wraps any failure to read or validate a policy document. It
// surfaces at CLI or server startup and is never recovered.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("policy load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
