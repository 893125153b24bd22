// Package router resolves a task-type fallback chain to a concrete model
// call: per-model cooldowns, budget pre-flight, degraded-mode filtering, and
// ordered fallback across the chain.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/budget"
	"github.com/unified-agent-system/agenthub/llm"
	"github.com/unified-agent-system/agenthub/metrics"
)

// ModelTier groups models by where they run and what they cost.
type ModelTier string

const (
	TierLocal   ModelTier = "local"
	TierCheap   ModelTier = "cheap"
	TierPremium ModelTier = "premium"
)

// ModelEntry describes one routable model under its logical name.
type ModelEntry struct {
	Name     string    `yaml:"name"`
	Tier     ModelTier `yaml:"tier"`
	Provider string    `yaml:"provider"`
	BaseURL  string    `yaml:"base_url"`
	Model    string    `yaml:"model"`
}

// Config defines the routable models and the fallback chains by task type.
type Config struct {
	Models       map[string]ModelEntry `yaml:"models"`
	Chains       map[string][]string   `yaml:"chains"`
	AllowedFails int                   `yaml:"allowed_fails"`
	Cooldown     time.Duration         `yaml:"cooldown"`
}

// DefaultConfig returns the built-in model table and chains. Logical names
// line up with the budget pricing table.
func DefaultConfig(ollamaBaseURL string) Config {
	return Config{
		Models: map[string]ModelEntry{
			"local-coder":     {Name: "local-coder", Tier: TierLocal, Provider: "ollama", BaseURL: ollamaBaseURL + "/v1", Model: "qwen2.5-coder:14b"},
			"local-reviewer":  {Name: "local-reviewer", Tier: TierLocal, Provider: "ollama", BaseURL: ollamaBaseURL + "/v1", Model: "qwen2.5-coder:7b"},
			"local-fast":      {Name: "local-fast", Tier: TierLocal, Provider: "ollama", BaseURL: ollamaBaseURL + "/v1", Model: "llama3.2:3b"},
			"cloud-cheap":     {Name: "cloud-cheap", Tier: TierCheap, Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
			"cloud-standard":  {Name: "cloud-standard", Tier: TierCheap, Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			"cloud-premium":   {Name: "cloud-premium", Tier: TierPremium, Provider: "anthropic", Model: "claude-opus-4-20250514"},
			"cloud-reasoning": {Name: "cloud-reasoning", Tier: TierPremium, Provider: "openai", Model: "o3-mini"},
		},
		Chains: map[string][]string{
			"default":   {"local-fast", "cloud-cheap", "cloud-standard"},
			"code":      {"local-coder", "cloud-standard", "cloud-premium"},
			"reasoning": {"cloud-reasoning", "cloud-premium", "cloud-standard"},
		},
		AllowedFails: 3,
		Cooldown:     60 * time.Second,
	}
}

// ErrBudgetExceeded is returned when every chain entry was refused by the
// budget manager. It is not counted by the component breaker.
var ErrBudgetExceeded = errors.New("budget exhausted for all chain entries")

// ErrExhausted is returned when every chain entry failed or was skipped for
// non-budget reasons. The component breaker counts these.
var ErrExhausted = errors.New("all chain entries exhausted")

// ChatClient is the single-endpoint chat capability the router drives.
type ChatClient interface {
	Chat(ctx context.Context, ep llm.Endpoint, req llm.Request) (*llm.Response, error)
}

// Degrader reports whether the local endpoint is degraded.
type Degrader interface {
	LowPower() bool
}

// Request is a routed chat request.
type Request struct {
	// TaskType selects the fallback chain ("default", "code", "reasoning").
	TaskType string

	// Preferred optionally brings one logical model to the front of the chain.
	Preferred string

	// TaskID tags audit records.
	TaskID string

	Messages    []llm.Message
	Temperature *float64
	MaxTokens   int

	// EstTokensIn/Out feed the budget pre-flight. Zero values fall back to
	// rough defaults.
	EstTokensIn  int
	EstTokensOut int
}

// Result is a routed chat outcome.
type Result struct {
	Response     *llm.Response
	ModelName    string
	FallbackUsed bool
	CostUSD      float64
}

// Router walks fallback chains with per-model cooldown breakers.
type Router struct {
	cfg      Config
	client   ChatClient
	budget   *budget.Manager
	degrader Degrader
	audit    *audit.Log
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// New creates a router. degrader may be nil when degradation tracking is off.
func New(cfg Config, client ChatClient, budgetMgr *budget.Manager, degrader Degrader, auditLog *audit.Log, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		client:   client,
		budget:   budgetMgr,
		degrader: degrader,
		audit:    auditLog,
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}

	allowed := cfg.AllowedFails
	if allowed < 1 {
		allowed = 3
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	for name := range cfg.Models {
		r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(allowed)
			},
		})
	}
	return r
}

// Chain returns the effective candidate list for a request: the task-type
// chain, with the preferred model brought to the front and local entries
// dropped while degraded.
func (r *Router) Chain(taskType, preferred string) []string {
	chain, ok := r.cfg.Chains[taskType]
	if !ok {
		chain = r.cfg.Chains["default"]
	}

	out := make([]string, 0, len(chain)+1)
	if preferred != "" {
		if _, known := r.cfg.Models[preferred]; known {
			out = append(out, preferred)
		}
	}
	for _, name := range chain {
		if name == preferred {
			continue
		}
		out = append(out, name)
	}

	if r.degrader != nil && r.degrader.LowPower() {
		filtered := out[:0]
		for _, name := range out {
			if r.cfg.Models[name].Tier != TierLocal {
				filtered = append(filtered, name)
			}
		}
		out = filtered
	}
	return out
}

// Route walks the chain for the request's task type and returns the first
// successful completion.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	chain := r.Chain(req.TaskType, req.Preferred)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no candidates for task type %q", ErrExhausted, req.TaskType)
	}

	estIn, estOut := req.EstTokensIn, req.EstTokensOut
	if estIn == 0 {
		estIn = 2000
	}
	if estOut == 0 {
		estOut = 1000
	}

	var lastErr error
	budgetRefusals := 0
	cooldownSkips := 0
	attempted := 0

	for i, name := range chain {
		entry := r.cfg.Models[name]
		cb := r.breakers[name]

		if cb != nil && cb.State() == gobreaker.StateOpen {
			cooldownSkips++
			r.logger.Debug("Model in cooldown, skipping", "model", name)
			continue
		}

		if ok, reason := r.budget.CanAfford(name, estIn, estOut); !ok {
			budgetRefusals++
			r.audit.Log(audit.EventBudgetCheckFail, "router", map[string]any{
				"model":  name,
				"reason": reason,
			}, req.TaskID)
			r.logger.Info("Budget refused model, trying next", "model", name, "reason", reason)
			continue
		}

		attempted++
		result, err := r.tryModel(ctx, cb, entry, req)
		if err != nil {
			lastErr = err
			metrics.RouterCalls.WithLabelValues("failure").Inc()
			r.audit.Log(audit.EventModelCallFailure, "router", map[string]any{
				"model": name,
				"error": err.Error(),
			}, req.TaskID)
			r.logger.Warn("Model call failed, falling back", "model", name, "error", err)
			continue
		}

		result.FallbackUsed = i > 0 || (req.Preferred != "" && name != req.Preferred)
		if result.FallbackUsed {
			metrics.RouterFallbacks.Inc()
		}
		metrics.RouterCalls.WithLabelValues("success").Inc()

		usage := result.Response.Usage
		if err := r.budget.RecordCost(name, usage.PromptTokens, usage.CompletionTokens, req.TaskType, result.FallbackUsed); err != nil {
			r.logger.Warn("Failed to record cost", "model", name, "error", err)
		}
		result.CostUSD = r.budget.EstimateCost(name, usage.PromptTokens, usage.CompletionTokens)

		preferred := req.Preferred
		if preferred == "" {
			preferred = chain[0]
		}
		r.audit.ModelCall("router", preferred, name, usage.PromptTokens, usage.CompletionTokens, req.TaskID)
		return result, nil
	}

	// ErrBudgetExceeded only when budget refusals alone emptied the chain; a
	// cooldown skip in the mix means a retry later could succeed, which is
	// the exhausted kind the component breaker counts.
	if budgetRefusals > 0 && attempted == 0 && cooldownSkips == 0 {
		return nil, fmt.Errorf("%w: %d models refused for task type %q", ErrBudgetExceeded, budgetRefusals, req.TaskType)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
	}
	return nil, fmt.Errorf("%w: every candidate skipped for task type %q", ErrExhausted, req.TaskType)
}

// tryModel runs one chat call through the model's cooldown breaker so the
// breaker sees the outcome.
func (r *Router) tryModel(ctx context.Context, cb *gobreaker.CircuitBreaker, entry ModelEntry, req Request) (*Result, error) {
	call := func() (any, error) {
		return r.client.Chat(ctx, llm.Endpoint{
			Provider: entry.Provider,
			BaseURL:  entry.BaseURL,
			Model:    entry.Model,
		}, llm.Request{
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
	}

	var raw any
	var err error
	if cb != nil {
		raw, err = cb.Execute(call)
	} else {
		raw, err = call()
	}
	if err != nil {
		return nil, err
	}
	return &Result{Response: raw.(*llm.Response), ModelName: entry.Name}, nil
}

// IsBudgetExceeded reports whether the error is the budget-exhausted kind.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}

// IsExhausted reports whether the error is the chain-exhausted kind that the
// component breaker should count.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
