package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"policygate/internal/api"
	"policygate/internal/broker"
	"policygate/internal/config"
	"policygate/internal/engine"
	"policygate/internal/runner"
)

// cmdServe starts the HTTP intake. Exit codes: 0 on clean shutdown, 2 on
// startup error.
func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "optional YAML config file (PG_* env vars override)")
	policyPath := fs.String("policy", "", "path to policy YAML file (required)")
	portfolioPath := fs.String("portfolio", "", "path to initial portfolio state JSON (required)")
	marketPath := fs.String("market", "", "path to market snapshot JSON (required)")
	host := fs.String("host", "", "bind address (default 127.0.0.1; use 0.0.0.0 only with --token)")
	port := fs.Int("port", 0, "listen port (default 8100)")
	brokerName := fs.String("broker", "", "broker adapter: sim, alpaca, or tradier")
	auditLog := fs.String("audit-log", "", "JSONL audit log output")
	execLog := fs.String("exec-log", "", "JSONL execution event log output")
	token := fs.String("token", "", "bearer token; if set, all requests require Authorization: Bearer <token>")
	logFile := fs.String("log-file", "", "rotating log file (default stderr)")
	_ = fs.Parse(args)

	if *policyPath == "" || *portfolioPath == "" || *marketPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --policy, --portfolio, and --market are required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	// Flags win over file and environment.
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *brokerName != "" {
		cfg.Broker.Name = *brokerName
	}
	if *token != "" {
		cfg.Server.Token = *token
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*policyPath)
	if err != nil {
		logger.Error("failed to load policy", "error", err)
		return 2
	}

	portfolio, err := readPortfolio(*portfolioPath)
	if err != nil {
		logger.Error("invalid portfolio state", "error", err)
		return 2
	}
	market, err := readMarket(*marketPath)
	if err != nil {
		logger.Error("invalid market snapshot", "error", err)
		return 2
	}
	execution, err := readExecution("")
	if err != nil {
		logger.Error("invalid execution state", "error", err)
		return 2
	}

	adapter, err := broker.New(cfg.Broker.Name, logger)
	if err != nil {
		logger.Error("failed to create broker", "error", err)
		return 2
	}

	// A serve session starts with fresh logs.
	for _, p := range []string{*auditLog, *execLog} {
		if p != "" {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to reset log", "path", p, "error", err)
				return 2
			}
		}
	}

	runID := uuid.NewString()
	r := runner.New(runner.Config{
		Engine:    eng,
		Broker:    adapter,
		Portfolio: &portfolio,
		Execution: &execution,
		Market:    market,
		AuditPath: *auditLog,
		ExecPath:  *execLog,
		RunID:     runID,
		Logger:    logger,
	})

	server := api.NewServer(api.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Runner: r,
		Market: market,
		RunID:  runID,
		Token:  cfg.Server.Token,
		Health: api.HealthSource{
			PolicyHash: eng.PolicyHash(),
			Portfolio:  &portfolio,
			Execution:  &execution,
		},
		Logger: logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("policygate serving",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"broker", cfg.Broker.Name,
		"policy_hash", eng.PolicyHash(),
		"auth", cfg.Server.Token != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		if err := server.Stop(); err != nil {
			logger.Error("failed to stop server", "error", err)
			return 2
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 2
		}
	}

	return 0
}
