// Package audit writes and reads the append-only decision log, and replays
// recorded events against a policy to verify determinism.
//
// Every line is a single canonical JSON event: RFC 8785 form (sorted keys,
// compact separators, deterministic number formatting), newline-terminated.
// Files are opened in append mode per write, so a successful Append means
// the line reached the OS file buffer before any broker I/O happens.
package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"encoding/json"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"policygate/internal/engine"
	"policygate/pkg/types"
)

// Event is one audit record: the decision plus frozen copies of every input
// that produced it.
type Event struct {
	EventID        string               `json:"event_id"`
	Timestamp      string               `json:"timestamp"`
	EngineVersion  string               `json:"engine_version"`
	PolicyHash     string               `json:"policy_hash"`
	RunID          string               `json:"run_id,omitempty"`
	Intent         types.OrderIntent    `json:"intent"`
	PortfolioState types.PortfolioState `json:"portfolio_state"`
	MarketSnapshot types.MarketSnapshot `json:"market_snapshot"`
	ExecutionState types.ExecutionState `json:"execution_state"`
	Decision       engine.Decision      `json:"decision"`
}

// BuildEvent snapshots a decision and its inputs into an audit event with a
// fresh event id and wall timestamp.
func BuildEvent(
	decision engine.Decision,
	intent types.OrderIntent,
	portfolio types.PortfolioState,
	market types.MarketSnapshot,
	execution types.ExecutionState,
	policyHash string,
	runID string,
) Event {
	return Event{
		EventID:        uuid.NewString(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		EngineVersion:  engine.EngineVersion,
		PolicyHash:     policyHash,
		RunID:          runID,
		Intent:         intent,
		PortfolioState: portfolio,
		MarketSnapshot: market,
		ExecutionState: execution,
		Decision:       decision,
	}
}

// Append serialises the event to one canonical JSON line and appends it.
// The file is never rewritten or truncated.
func Append(path string, ev Event) error {
	line, err := CanonicalLine(ev)
	if err != nil {
		return err
	}
	return appendLine(path, line)
}

// CanonicalLine returns the event's canonical JSON encoding without the
// trailing newline. Byte-stable: identical events produce identical lines.
func CanonicalLine(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalise audit event: %w", err)
	}
	return canon, nil
}

// ReadAll parses every event line from a JSONL audit log.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<22)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return events, nil
}

func appendLine(path string, line []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}
