package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"policygate/internal/broker"
	"policygate/internal/config"
	"policygate/internal/engine"
	"policygate/internal/runner"
	"policygate/pkg/types"
)

// cmdRun drives a JSONL stream of order intents through the gate with the
// selected broker, producing an audit log, an execution event log, and a
// run summary. Exit codes: 0 on success, 2 on error.
func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	policyPath := fs.String("policy", "", "path to policy YAML file (required)")
	intentsPath := fs.String("intents", "", "path to JSONL file of order intents (required)")
	portfolioPath := fs.String("portfolio", "", "path to initial portfolio state JSON (required)")
	marketPath := fs.String("market", "", "path to market snapshot JSON (required)")
	executionPath := fs.String("execution", "", "path to initial execution state JSON")
	auditLog := fs.String("audit-log", "", "JSONL audit log output")
	execLog := fs.String("exec-log", "", "JSONL execution event log output")
	brokerName := fs.String("broker", "sim", "broker adapter: sim, alpaca, or tradier")
	outSummary := fs.String("out-summary", "", "path to write run summary JSON")
	pretty := fs.Bool("pretty", false, "pretty-print JSON output")
	_ = fs.Parse(args)

	if *policyPath == "" || *intentsPath == "" || *portfolioPath == "" || *marketPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --policy, --intents, --portfolio, and --market are required")
		return 2
	}

	logger := newLogger(config.LoggingConfig{Level: "warn"})

	eng, err := engine.New(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	intents, err := readIntents(*intentsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	portfolio, err := readPortfolio(*portfolioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	market, err := readMarket(*marketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	execution, err := readExecution(*executionPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	adapter, err := broker.New(*brokerName, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	// A run starts with fresh logs; appends are append-only from here on.
	for _, p := range []string{*auditLog, *execLog} {
		if p != "" {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 2
			}
		}
	}

	r := runner.New(runner.Config{
		Engine:    eng,
		Broker:    adapter,
		Portfolio: &portfolio,
		Execution: &execution,
		Market:    market,
		AuditPath: *auditLog,
		ExecPath:  *execLog,
		RunID:     uuid.NewString(),
		Logger:    logger,
	})

	summary, err := r.Run(context.Background(), intents)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	report := summary.Report(&portfolio, &execution)
	if err := printJSON(report, *pretty); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if *outSummary != "" {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
		if err := os.WriteFile(*outSummary, append(out, '\n'), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
	}

	return 0
}

// readIntents parses one order intent per non-empty JSONL line.
func readIntents(path string) ([]types.OrderIntent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var intents []types.OrderIntent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		intent, err := types.DecodeOrderIntent(line)
		if err != nil {
			return nil, fmt.Errorf("intent line %d: %w", len(intents)+1, err)
		}
		intents = append(intents, intent)
	}
	return intents, sc.Err()
}
