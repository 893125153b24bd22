package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProjectConfigFile is the name of the project-level config file.
const ProjectConfigFile = "agenthub.yaml"

// Environment variable names recognized by the loader. Environment overrides
// dominate file values.
const (
	EnvSQLiteBus          = "UAS_SQLITE_BUS"
	EnvAdaptivePoll       = "UAS_ADAPTIVE_POLL"
	EnvLiteLLMRouting     = "UAS_LITELLM_ROUTING"
	EnvPersistentMCP      = "UAS_PERSISTENT_MCP"
	EnvOllamaHTTP         = "UAS_OLLAMA_HTTP"
	EnvSessionBudget      = "UAS_SESSION_BUDGET"
	EnvDailyBudget        = "UAS_DAILY_BUDGET"
	EnvDisableBudgetCheck = "UAS_DISABLE_BUDGET_CHECK"
	EnvRouterFailureLimit = "UAS_ROUTER_FAILURE_LIMIT"
	EnvSQLiteFailureLimit = "UAS_SQLITE_FAILURE_LIMIT"
	EnvOllamaFailureLimit = "UAS_OLLAMA_FAILURE_LIMIT"
	EnvCooldownSeconds    = "UAS_COOLDOWN_SECONDS"
	EnvAllowedFails       = "UAS_ALLOWED_FAILS"
	EnvOllamaBaseURL      = "OLLAMA_BASE_URL"
	EnvHealthCheckTimeout = "UAS_HEALTH_CHECK_TIMEOUT"
	EnvDryRun             = "AGENT_HUB_DRY_RUN"
	EnvHaltFile           = "UAS_HALT_FILE"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
//  1. Default config
//  2. Project config (agenthub.yaml in the workspace root)
//  3. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			l.logger.Debug("No config file found", "path", path)
		} else {
			l.logger.Debug("Loaded config file", "path", path)
			config = fileConfig
		}
	}

	l.applyEnv(config)

	// Auto-detect workspace root if not set.
	if config.Workspace.Root == "" {
		if gitRoot := detectGitRoot(); gitRoot != "" {
			config.Workspace.Root = gitRoot
			l.logger.Debug("Auto-detected git root", "path", gitRoot)
		} else if cwd, err := os.Getwd(); err == nil {
			config.Workspace.Root = cwd
			l.logger.Debug("Using current directory as workspace root", "path", cwd)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays recognized environment variables onto config.
func (l *Loader) applyEnv(config *Config) {
	if v, ok := lookupBool(EnvSQLiteBus); ok {
		config.Bus.SQLite = v
	}
	if v, ok := lookupBool(EnvAdaptivePoll); ok {
		config.Poll.Adaptive = v
	}
	if v, ok := lookupBool(EnvLiteLLMRouting); ok {
		config.Router.Enabled = v
	}
	if v, ok := lookupBool(EnvPersistentMCP); ok {
		config.Tools.PersistentConnections = v
	}
	if v, ok := lookupBool(EnvOllamaHTTP); ok {
		config.Ollama.HTTP = v
	}
	if v, ok := lookupFloat(EnvSessionBudget); ok {
		config.Budget.SessionLimitUSD = v
	}
	if v, ok := lookupFloat(EnvDailyBudget); ok {
		config.Budget.DailyLimitUSD = v
	}
	if v, ok := lookupBool(EnvDisableBudgetCheck); ok {
		config.Budget.DisableCheck = v
	}
	if v, ok := lookupInt(EnvRouterFailureLimit); ok {
		config.Breaker.RouterFailureLimit = v
	}
	if v, ok := lookupInt(EnvSQLiteFailureLimit); ok {
		config.Breaker.SQLiteFailureLimit = v
	}
	if v, ok := lookupInt(EnvOllamaFailureLimit); ok {
		config.Breaker.OllamaFailureLimit = v
	}
	if v, ok := lookupInt(EnvCooldownSeconds); ok {
		config.Router.CooldownSeconds = v
	}
	if v, ok := lookupInt(EnvAllowedFails); ok {
		config.Router.AllowedFails = v
	}
	if v := os.Getenv(EnvOllamaBaseURL); v != "" {
		config.Ollama.BaseURL = v
	}
	if v, ok := lookupInt(EnvHealthCheckTimeout); ok {
		config.Ollama.HealthCheckTimeout = time.Duration(v) * time.Second
	}
	if v, ok := lookupBool(EnvDryRun); ok {
		config.DryRun = v
	}
	if v := os.Getenv(EnvHaltFile); v != "" {
		config.Workspace.HaltFile = v
	}
}

func lookupBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	slog.Warn("Unrecognized boolean environment value", "name", name, "value", v)
	return false, false
}

func lookupInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Unrecognized integer environment value", "name", name, "value", v)
		return 0, false
	}
	return n, true
}

func lookupFloat(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Unrecognized float environment value", "name", name, "value", v)
		return 0, false
	}
	return f, true
}

// detectGitRoot finds the git repository root from the current directory.
func detectGitRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// Describe returns a short human-readable summary for the status command.
func (c *Config) Describe() string {
	backend := "file"
	if c.Bus.SQLite {
		backend = "sqlite"
	}
	return fmt.Sprintf("workspace=%s bus=%s session_budget=$%.2f daily_budget=$%.2f",
		c.Workspace.Root, backend, c.Budget.SessionLimitUSD, c.Budget.DailyLimitUSD)
}
