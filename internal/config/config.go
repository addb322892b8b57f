// Package config loads the meterd configuration from YAML by environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/studykite/meterd/internal/domain/tier"
)

// Config holds the meterd service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Provider  ProviderConfig  `yaml:"provider"`
	Tiers     TiersConfig     `yaml:"tiers"`
	Budget    BudgetConfig    `yaml:"budget"`
	Session   SessionConfig   `yaml:"session"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	KeyPrefix    string `yaml:"key_prefix"`
	RecordTTLDay int    `yaml:"record_ttl_days"` // ledger hash TTL; 0 = keep forever
}

// ProviderConfig holds model provider settings.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// TierLimits holds the monthly caps for one tier; 0 means unlimited.
type TierLimits struct {
	MonthlyUnitCap       int64 `yaml:"monthly_unit_cap"`
	MonthlySpendCapCents int64 `yaml:"monthly_spend_cap_cents"`
}

// TiersConfig overrides the built-in tier limit table.
type TiersConfig struct {
	Free *TierLimits `yaml:"free"`
	Lite *TierLimits `yaml:"lite"`
	Full *TierLimits `yaml:"full"`
}

// BudgetConfig holds pre-flight check and ledger settings.
type BudgetConfig struct {
	LowBalanceThresholdUnits int64   `yaml:"low_balance_threshold_units"`
	OutputEstimateRatio      float64 `yaml:"output_estimate_ratio"`
	LedgerTimeoutSec         int     `yaml:"ledger_timeout_sec"`
}

// SessionConfig holds trial session timer settings.
type SessionConfig struct {
	TotalSeconds           int `yaml:"total_seconds"`
	InactivityThresholdSec int `yaml:"inactivity_threshold_sec"`
	StalenessBoundSec      int `yaml:"staleness_bound_sec"`
}

// BroadcastConfig holds cross-context channel settings.
type BroadcastConfig struct {
	Transport      string `yaml:"transport"` // pubsub (default) or polling
	Channel        string `yaml:"channel"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "meterd:"
	}
	if c.Budget.LowBalanceThresholdUnits <= 0 {
		c.Budget.LowBalanceThresholdUnits = 300
	}
	if c.Budget.OutputEstimateRatio <= 0 {
		c.Budget.OutputEstimateRatio = 1.0
	}
	if c.Budget.LedgerTimeoutSec <= 0 {
		c.Budget.LedgerTimeoutSec = 5
	}
	if c.Session.TotalSeconds <= 0 {
		c.Session.TotalSeconds = 900
	}
	if c.Session.InactivityThresholdSec <= 0 {
		c.Session.InactivityThresholdSec = 30
	}
	if c.Session.StalenessBoundSec <= 0 {
		c.Session.StalenessBoundSec = 3600
	}
	if c.Broadcast.Transport == "" {
		c.Broadcast.Transport = "pubsub"
	}
	if c.Broadcast.Channel == "" {
		c.Broadcast.Channel = "meterd:broadcast"
	}
	if c.Broadcast.PollIntervalMS <= 0 {
		c.Broadcast.PollIntervalMS = 500
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	switch c.Broadcast.Transport {
	case "pubsub", "polling":
		// ok
	default:
		return fmt.Errorf("broadcast.transport must be \"pubsub\" or \"polling\", got %q",
			c.Broadcast.Transport)
	}
	if err := c.TierLimits().Validate(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	return nil
}

// TierLimits returns the effective limits table: built-in defaults with any
// configured overrides applied.
func (c *Config) TierLimits() tier.LimitsTable {
	table := tier.DefaultLimits()
	apply := func(t tier.Tier, l *TierLimits) {
		if l == nil {
			return
		}
		table[t] = tier.Limits{
			MonthlyUnitCap:       l.MonthlyUnitCap,
			MonthlySpendCapCents: l.MonthlySpendCapCents,
		}
	}
	apply(tier.Free, c.Tiers.Free)
	apply(tier.Lite, c.Tiers.Lite)
	apply(tier.Full, c.Tiers.Full)
	return table
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
