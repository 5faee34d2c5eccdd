// PolicyGate Capital — a runtime governance gate between trading-signal
// producers and broker execution. Every candidate order is evaluated against
// a declarative capital policy and receives an ALLOW, MODIFY, or DENY
// verdict, with an append-only audit trail that replays bit-identically.
//
// Architecture:
//
//	main.go              — entry point: subcommand dispatch, logger setup
//	eval.go              — single-intent evaluation (exit 0 allow, 1 deny, 2 error)
//	run.go               — stream runner over an intents JSONL file
//	serve.go             — HTTP intake (POST /intent, GET /health)
//	policy/              — policy DSL v0.1: strict loader, bounds, overrides, content hash
//	engine/              — rule functions, fixed-order evaluator pipeline, engine facade
//	audit/               — canonical JSONL audit emitter, reader, and replay
//	execlog/             — append-only execution event log (submit/fill/reject)
//	broker/              — adapter contract + sim, Alpaca, and Tradier adapters
//	runner/              — per-intent loop: evaluate → audit → submit → fills → latch
//	api/                 — single-writer HTTP handler behind one server lock
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"policygate/internal/config"
)

const usage = `PolicyGate Capital — runtime governance for order flow.

Usage:
  policygate eval   --policy P --intent I --portfolio F --market M [flags]
  policygate run    --policy P --intents I.jsonl --portfolio F --market M [flags]
  policygate serve  --policy P --portfolio F --market M [flags]

Run 'policygate <command> -h' for command flags.
`

func main() {
	// Broker credentials may live in a .env during development.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "eval":
		code = cmdEval(os.Args[2:])
	case "run":
		code = cmdRun(os.Args[2:])
	case "serve":
		code = cmdServe(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = 2
	}
	os.Exit(code)
}

// newLogger builds the process logger from logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
		}
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
