package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/gowebpki/jcs"

	"policygate/internal/audit"
	"policygate/internal/engine"
	"policygate/pkg/types"
)

// cmdEval evaluates a single order intent against a capital policy and
// prints the decision as JSON. Exit codes: 0 on ALLOW/MODIFY, 1 on DENY,
// 2 on operational error.
func cmdEval(args []string) int {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	policyPath := fs.String("policy", "", "path to policy YAML file (required)")
	intentPath := fs.String("intent", "", "path to order intent JSON file (required)")
	portfolioPath := fs.String("portfolio", "", "path to portfolio state JSON file (required)")
	marketPath := fs.String("market", "", "path to market snapshot JSON file (required)")
	executionPath := fs.String("execution", "", "path to execution state JSON file (defaults to empty state)")
	auditLog := fs.String("audit-log", "", "JSONL audit log; if set, appends an audit event")
	pretty := fs.Bool("pretty", false, "pretty-print JSON output")
	_ = fs.Parse(args)

	if *policyPath == "" || *intentPath == "" || *portfolioPath == "" || *marketPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --policy, --intent, --portfolio, and --market are required")
		return 2
	}

	eng, err := engine.New(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	intent, err := readIntent(*intentPath)
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

	decision := eng.Evaluate(intent, portfolio, market, execution)

	if err := printJSON(decision, *pretty); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if *auditLog != "" {
		ev := audit.BuildEvent(decision, intent, portfolio, market, execution, eng.PolicyHash(), "")
		if err := audit.Append(*auditLog, ev); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
	}

	if decision.Verdict == engine.Deny {
		return 1
	}
	return 0
}

func readIntent(path string) (types.OrderIntent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.OrderIntent{}, err
	}
	return types.DecodeOrderIntent(data)
}

func readPortfolio(path string) (types.PortfolioState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.PortfolioState{}, err
	}
	return types.DecodePortfolioState(data)
}

func readMarket(path string) (types.MarketSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	return types.DecodeMarketSnapshot(data)
}

func readExecution(path string) (types.ExecutionState, error) {
	if path == "" {
		return *types.NewExecutionState(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ExecutionState{}, err
	}
	return types.DecodeExecutionState(data)
}

// printJSON writes v to stdout: canonical compact form by default, indented
// when pretty is set.
func printJSON(v any, pretty bool) error {
	if pretty {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return err
	}
	fmt.Println(string(canon))
	return nil
}
