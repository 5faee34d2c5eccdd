// Package execlog writes the append-only execution event log: order
// submissions, fills, and rejections. It is disjoint from the audit log —
// audit records decisions, execlog records what happened at the broker.
package execlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gowebpki/jcs"

	"policygate/pkg/types"
)

// EventType enumerates the execution lifecycle events.
type EventType string

const (
	OrderSubmitted EventType = "ORDER_SUBMITTED"
	OrderFilled    EventType = "ORDER_FILLED"
	OrderRejected  EventType = "ORDER_REJECTED"
)

// Event is one execution log line.
type Event struct {
	TS         string          `json:"ts"`
	Event      EventType       `json:"event"`
	IntentID   string          `json:"intent_id"`
	OrderID    string          `json:"order_id"`
	RunID      string          `json:"run_id,omitempty"`
	PolicyHash string          `json:"policy_hash,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Side       types.Side      `json:"side,omitempty"`
	Qty        float64         `json:"qty,omitempty"`
	Price      float64         `json:"price,omitempty"`
	OrderType  types.OrderType `json:"order_type,omitempty"`
}

// Writer appends execution events to a JSONL file, stamping each with the
// run id and policy hash for correlation with the audit log. A Writer with
// an empty path discards events, so callers need no nil checks.
type Writer struct {
	path       string
	runID      string
	policyHash string
}

// NewWriter creates a writer. path may be empty to disable logging.
func NewWriter(path, runID, policyHash string) *Writer {
	return &Writer{path: path, runID: runID, policyHash: policyHash}
}

// Enabled reports whether events are actually written.
func (w *Writer) Enabled() bool { return w != nil && w.path != "" }

// Append stamps and writes one event. The file is opened in append mode per
// write; a nil error means the line reached the OS file buffer.
func (w *Writer) Append(ev Event) error {
	if !w.Enabled() {
		return nil
	}
	ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	ev.RunID = w.runID
	ev.PolicyHash = w.policyHash

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal exec event: %w", err)
	}
	line, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("canonicalise exec event: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open exec log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append exec event: %w", err)
	}
	return nil
}

// ReadAll parses every event from an execution log file.
func ReadAll(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exec log: %w", err)
	}

	var events []Event
	for _, line := range splitLines(data) {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse exec event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
