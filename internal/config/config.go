// Package config defines runtime configuration for the serve command.
// Config is loaded from an optional YAML file with sensitive and
// operational fields overridable via PG_* environment variables; CLI flags
// take highest precedence and are applied by the command itself. The run
// command loads no config file; it only reuses LoggingConfig for its logger.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP intake bind address and auth token.
// Token is a safety net for non-loopback binds; set PG_TOKEN rather than
// committing it to the file.
type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"`
}

// BrokerConfig selects the broker adapter. Adapter credentials are read
// from adapter-specific environment variables, never from this file.
type BrokerConfig struct {
	Name string `mapstructure:"name"`
}

// LoggingConfig controls slog output. File enables rotation via lumberjack;
// empty means stderr.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads config from an optional YAML file with PG_* env overrides.
// An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8100)
	v.SetDefault("broker.name", "sim")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Sensitive and operational overrides from env.
	if token := os.Getenv("PG_TOKEN"); token != "" {
		cfg.Server.Token = token
	}
	if host := os.Getenv("PG_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PG_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("PG_PORT must be an integer: %w", err)
		}
		cfg.Server.Port = p
	}
	if name := os.Getenv("PG_BROKER"); name != "" {
		cfg.Broker.Name = name
	}

	return &cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	switch c.Broker.Name {
	case "sim", "alpaca", "tradier":
	default:
		return fmt.Errorf("broker.name must be one of: sim, alpaca, tradier")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
