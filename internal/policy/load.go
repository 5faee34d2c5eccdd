package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a policy document. It returns the typed policy
// and the SHA-256 hex digest of the raw file bytes, exactly as read — the
// hash is the integrity anchor for audit replay.
func Load(path string) (*CapitalPolicy, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", &LoadError{Path: path, Err: err}
	}

	pol, err := Parse(raw)
	if err != nil {
		return nil, "", &LoadError{Path: path, Err: err}
	}

	return pol, Hash(raw), nil
}

// Hash returns the SHA-256 hex digest of the raw policy source bytes.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Parse decodes and validates a policy document from raw YAML bytes.
// Unknown keys at any depth are rejected.
func Parse(raw []byte) (*CapitalPolicy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var pol CapitalPolicy
	if err := dec.Decode(&pol); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	pol.applyDefaults()

	if !strings.EqualFold(pol.Timezone, "UTC") {
		return nil, fmt.Errorf("policy v0.1 requires timezone UTC, got %q", pol.Timezone)
	}
	pol.Timezone = "UTC"

	if err := pol.validateBounds(); err != nil {
		return nil, fmt.Errorf("policy validation failed: %w", err)
	}
	return &pol, nil
}

// applyDefaults fills schema defaults for omitted optional fields.
func (p *CapitalPolicy) applyDefaults() {
	if p.Version == "" {
		p.Version = "0.1"
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if p.Defaults.Mode == "" {
		p.Defaults.Mode = ModeEnforce
	}
	if p.Defaults.Decision == "" {
		p.Defaults.Decision = DefaultDeny
	}
	if p.Limits.KillSwitch.TripOnRules == nil {
		p.Limits.KillSwitch.TripOnRules = []string{}
	}
}
