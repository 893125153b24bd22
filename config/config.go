// Package config provides configuration loading and management for the
// Agent Hub. Defaults are layered under an optional YAML file and UAS_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Agent Hub configuration.
type Config struct {
	Workspace Workspace `yaml:"workspace"`
	Bus       Bus       `yaml:"bus"`
	Budget    Budget    `yaml:"budget"`
	Breaker   Breaker   `yaml:"breaker"`
	Router    Router    `yaml:"router"`
	Ollama    Ollama    `yaml:"ollama"`
	Poll      Poll      `yaml:"poll"`
	Tools     Tools     `yaml:"tools"`
	DryRun    bool      `yaml:"dry_run"`
}

// Workspace configures the well-known filesystem layout.
type Workspace struct {
	// Root is the workspace root (auto-detected from git if empty).
	Root string `yaml:"root"`
	// HandoffDir holds the contract, proposals, drafts, and the transition log.
	HandoffDir string `yaml:"handoff_dir"`
	// DataDir holds hub.db, audit.ndjson, and the persisted state files.
	DataDir string `yaml:"data_dir"`
	// HaltFile is the halt sentinel path (default <root>/ERIK_HALT.md).
	HaltFile string `yaml:"halt_file"`
}

// Bus configures the message bus backend.
type Bus struct {
	// SQLite selects the SQL-backed bus; false selects the file-backed bus.
	SQLite bool `yaml:"sqlite"`
	// QuestionTTL is how long a PENDING question lives before expiry.
	QuestionTTL time.Duration `yaml:"question_ttl"`
}

// Budget configures cloud spending limits.
type Budget struct {
	// SessionLimitUSD caps cloud spend per session.
	SessionLimitUSD float64 `yaml:"session_limit_usd"`
	// DailyLimitUSD caps cloud spend per calendar day.
	DailyLimitUSD float64 `yaml:"daily_limit_usd"`
	// DisableCheck bypasses all pre-flight budget checks.
	DisableCheck bool `yaml:"disable_check"`
}

// Breaker configures component-layer failure thresholds.
type Breaker struct {
	RouterFailureLimit int `yaml:"router_failure_limit"`
	SQLiteFailureLimit int `yaml:"sqlite_failure_limit"`
	OllamaFailureLimit int `yaml:"ollama_failure_limit"`
}

// Router configures model routing behavior.
type Router struct {
	// Enabled gates tier/chain routing; when false callers get the preferred
	// model unmodified.
	Enabled bool `yaml:"enabled"`
	// CooldownSeconds is the per-model cooldown window after repeated failures.
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// AllowedFails is the consecutive-failure count that opens a cooldown.
	AllowedFails int `yaml:"allowed_fails"`
}

// Ollama configures the local inference endpoint.
type Ollama struct {
	// BaseURL is the endpoint root (default http://localhost:11434).
	BaseURL string `yaml:"base_url"`
	// HealthCheckTimeout bounds the degradation probe.
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
	// HTTP enables the direct local-inference client.
	HTTP bool `yaml:"http"`
}

// Poll configures the supervisor's message polling.
type Poll struct {
	// Adaptive doubles the interval on idle cycles up to Max.
	Adaptive bool `yaml:"adaptive"`
	// Base is the starting poll interval.
	Base time.Duration `yaml:"base"`
	// Max caps the adaptive interval.
	Max time.Duration `yaml:"max"`
}

// Tools configures the external tool surface.
type Tools struct {
	// PersistentConnections enables the pooled tool connections.
	PersistentConnections bool `yaml:"persistent_connections"`
	// IdleTimeout is how long a pooled connection may sit unused.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Workspace: Workspace{
			HandoffDir: "_handoff",
			DataDir:    "data",
		},
		Bus: Bus{
			SQLite:      true,
			QuestionTTL: 30 * time.Minute,
		},
		Budget: Budget{
			SessionLimitUSD: 1.00,
			DailyLimitUSD:   5.00,
		},
		Breaker: Breaker{
			RouterFailureLimit: 5,
			SQLiteFailureLimit: 3,
			OllamaFailureLimit: 3,
		},
		Router: Router{
			Enabled:         true,
			CooldownSeconds: 60,
			AllowedFails:    3,
		},
		Ollama: Ollama{
			BaseURL:            "http://localhost:11434",
			HealthCheckTimeout: 5 * time.Second,
		},
		Poll: Poll{
			Adaptive: true,
			Base:     1 * time.Second,
			Max:      10 * time.Second,
		},
		Tools: Tools{
			IdleTimeout: 300 * time.Second,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Budget.SessionLimitUSD < 0 {
		return fmt.Errorf("budget.session_limit_usd must be >= 0")
	}
	if c.Budget.DailyLimitUSD < 0 {
		return fmt.Errorf("budget.daily_limit_usd must be >= 0")
	}
	if c.Breaker.RouterFailureLimit < 1 {
		return fmt.Errorf("breaker.router_failure_limit must be >= 1")
	}
	if c.Breaker.SQLiteFailureLimit < 1 {
		return fmt.Errorf("breaker.sqlite_failure_limit must be >= 1")
	}
	if c.Breaker.OllamaFailureLimit < 1 {
		return fmt.Errorf("breaker.ollama_failure_limit must be >= 1")
	}
	if c.Router.AllowedFails < 1 {
		return fmt.Errorf("router.allowed_fails must be >= 1")
	}
	if c.Poll.Base <= 0 || c.Poll.Max < c.Poll.Base {
		return fmt.Errorf("poll intervals must satisfy 0 < base <= max")
	}
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url is required")
	}
	return nil
}

// HandoffPath joins the workspace root and handoff directory.
func (c *Config) HandoffPath() string {
	return filepath.Join(c.Workspace.Root, c.Workspace.HandoffDir)
}

// DataPath joins the workspace root and data directory.
func (c *Config) DataPath() string {
	return filepath.Join(c.Workspace.Root, c.Workspace.DataDir)
}

// HaltFilePath returns the halt sentinel path, honoring the override.
func (c *Config) HaltFilePath() string {
	if c.Workspace.HaltFile != "" {
		return c.Workspace.HaltFile
	}
	return filepath.Join(c.Workspace.Root, "ERIK_HALT.md")
}

// LoadFromFile loads configuration from a YAML file layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
