package broker

import (
	"fmt"
	"log/slog"
)

// New instantiates the named adapter. Live adapters read their credentials
// from the environment; the selector itself carries no secrets.
func New(name string, logger *slog.Logger) (Adapter, error) {
	switch name {
	case "sim":
		return NewSim(), nil
	case "alpaca":
		return NewAlpacaFromEnv(logger)
	case "tradier":
		return NewTradierFromEnv(logger)
	default:
		return nil, fmt.Errorf("unknown broker %q (want sim, alpaca, or tradier)", name)
	}
}
