// Package main provides the agenthub binary entry point.
// Agent Hub is a local orchestrator that turns task proposals into
// supervised, bounded execution by AI worker processes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/unified-agent-system/agenthub/llm/providers"

	"github.com/unified-agent-system/agenthub/audit"
	"github.com/unified-agent-system/agenthub/breaker"
	"github.com/unified-agent-system/agenthub/budget"
	"github.com/unified-agent-system/agenthub/bus"
	"github.com/unified-agent-system/agenthub/config"
	"github.com/unified-agent-system/agenthub/contract"
	"github.com/unified-agent-system/agenthub/degrade"
	"github.com/unified-agent-system/agenthub/gitops"
	"github.com/unified-agent-system/agenthub/llm"
	"github.com/unified-agent-system/agenthub/router"
	"github.com/unified-agent-system/agenthub/sandbox"
	"github.com/unified-agent-system/agenthub/storage"
	"github.com/unified-agent-system/agenthub/supervisor"
	"github.com/unified-agent-system/agenthub/toolserver"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "agenthub"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Local AI task orchestrator",
		Long: `Agent Hub supervises AI worker processes against task contracts.

It provides:
- A typed message bus between the supervisor and workers
- Contract-driven task state with circuit breakers at two layers
- Budget-aware model routing with local-first fallback chains
- A sandboxed draft gate between worker output and the workspace

Workers never write the workspace directly; they submit drafts that the
gate applies, rejects, or escalates.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&workspace, "workspace", "", "Workspace root (default: git root)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	load := func() (*config.Config, *slog.Logger, error) {
		logger := newLogger(logLevel)
		slog.SetDefault(logger)

		cfg, err := config.NewLoader(logger).Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if workspace != "" {
			cfg.Workspace.Root = workspace
		}
		storage.SetDryRun(cfg.DryRun)
		return cfg, logger, nil
	}

	cmd.AddCommand(serveCmd(load))
	cmd.AddCommand(statusCmd(load))
	cmd.AddCommand(toolsCmd(load))
	cmd.AddCommand(resetCmd(load))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

type loadFunc func() (*config.Config, *slog.Logger, error)

// hub holds the wired singletons. Everything is constructed once here and
// injected; packages never reach for globals.
type hub struct {
	cfg      *config.Config
	bus      bus.Bus
	audit    *audit.Log
	budget   *budget.Manager
	registry *breaker.Registry
	degrade  *degrade.Manager
	router   *router.Router
	store    *contract.Store
	gate     *sandbox.Gate
	sup      *supervisor.Supervisor
}

func buildHub(cfg *config.Config, logger *slog.Logger, workerCmd []string) (*hub, error) {
	handoff := cfg.HandoffPath()
	data := cfg.DataPath()
	sandboxDir := filepath.Join(handoff, "drafts")
	for _, dir := range []string{handoff, data, sandboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	auditLog := audit.New(filepath.Join(data, "audit.ndjson"), audit.WithLogger(logger))

	var b bus.Bus
	var err error
	if cfg.Bus.SQLite {
		b, err = bus.NewSQLiteBus(filepath.Join(data, "hub.db"))
	} else {
		b, err = bus.NewFileBus(filepath.Join(data, "bus"))
	}
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	budgetMgr, err := budget.NewManager(
		filepath.Join(data, "budget_state.json"),
		cfg.Budget.SessionLimitUSD,
		cfg.Budget.DailyLimitUSD,
		budget.WithDisabledCheck(cfg.Budget.DisableCheck),
		budget.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open budget: %w", err)
	}

	registry, err := breaker.NewRegistry(
		filepath.Join(data, "circuit_breaker_state.json"),
		cfg.HaltFilePath(),
		auditLog,
		breaker.WithThresholds(breaker.Thresholds{
			Router: cfg.Breaker.RouterFailureLimit,
			Bus:    cfg.Breaker.SQLiteFailureLimit,
			Ollama: cfg.Breaker.OllamaFailureLimit,
		}),
		breaker.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open breaker registry: %w", err)
	}

	degradeMgr := degrade.NewManager(
		cfg.Ollama.BaseURL,
		data,
		"cloud-cheap",
		registry,
		auditLog,
		degrade.WithLogger(logger),
	)

	var rt *router.Router
	if cfg.Router.Enabled {
		client := llm.NewClient(llm.WithLogger(logger))
		routerCfg := router.DefaultConfig(cfg.Ollama.BaseURL)
		if cfg.Router.AllowedFails > 0 {
			routerCfg.AllowedFails = cfg.Router.AllowedFails
		}
		if cfg.Router.CooldownSeconds > 0 {
			routerCfg.Cooldown = time.Duration(cfg.Router.CooldownSeconds) * time.Second
		}
		rt = router.New(routerCfg, client, budgetMgr, degradeMgr, auditLog, router.WithLogger(logger))
	}

	gitMgr := gitops.NewManager(gitops.WithLogger(logger))
	store := contract.NewStore(handoff, auditLog,
		contract.WithGit(gitMgr),
		contract.WithLogger(logger))
	gate := sandbox.NewGate(sandboxDir, cfg.Workspace.Root, auditLog, sandbox.WithLogger(logger))

	supOpts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithGit(gitMgr),
	}
	if len(workerCmd) > 0 {
		supOpts = append(supOpts, supervisor.WithWorkerCommand(workerCmd...))
	}
	sup := supervisor.New(cfg, b, store, gate, registry, auditLog, supOpts...)

	return &hub{
		cfg:      cfg,
		bus:      b,
		audit:    auditLog,
		budget:   budgetMgr,
		registry: registry,
		degrade:  degradeMgr,
		router:   rt,
		store:    store,
		gate:     gate,
		sup:      sup,
	}, nil
}

func serveCmd(load loadFunc) *cobra.Command {
	var (
		workerCmd   []string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			h, err := buildHub(cfg, logger, workerCmd)
			if err != nil {
				return err
			}
			defer h.bus.Close()

			if h.registry.IsHalted() {
				return fmt.Errorf("hub is halted; resolve %s and run %s reset", cfg.HaltFilePath(), appName)
			}

			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Warn("Metrics listener failed", "addr", metricsAddr, "error", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Agent Hub serving",
				"workspace", cfg.Workspace.Root,
				"config", cfg.Describe())
			err = h.sup.Run(ctx)
			if err == context.Canceled {
				logger.Info("Agent Hub stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&workerCmd, "worker", nil, "Worker command and fixed arguments")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func statusCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print hub state: config, budget, breakers, heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			h, err := buildHub(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer h.bus.Close()

			fmt.Println(cfg.Describe())

			if h.registry.IsHalted() {
				fmt.Printf("HALTED: see %s\n", cfg.HaltFilePath())
			}
			breakerState := h.registry.Status()
			fmt.Printf("breakers: router=%d sqlite=%d ollama=%d\n",
				breakerState.RouterFailures, breakerState.SQLiteFailures, breakerState.OllamaFailures)
			if h.degrade.LowPower() {
				fmt.Println("LOW-POWER MODE: local inference unavailable, cloud fallback active")
			}

			budgetState := h.budget.Status()
			fmt.Printf("budget: session=$%.4f/%.2f daily=$%.4f/%.2f\n",
				budgetState.SessionCloudCost, cfg.Budget.SessionLimitUSD,
				budgetState.DailyCloudCost, cfg.Budget.DailyLimitUSD)
			if escapes := h.budget.CloudEscapes(); len(escapes) > 0 {
				last := escapes[len(escapes)-1]
				fmt.Printf("cloud escapes: %d (last: %s at %s)\n",
					len(escapes), last.Model, last.Timestamp.Format(time.RFC3339))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			beats, err := h.bus.Heartbeats(ctx)
			if err != nil {
				return err
			}
			for _, hb := range beats {
				fmt.Printf("agent %-20s last_seen=%s %s\n",
					hb.AgentID, hb.LastSeen.Format(time.RFC3339), hb.Progress)
			}

			if c, err := h.store.Load(); err == nil {
				fmt.Printf("active contract: %s status=%s\n", c.TaskID, c.Status)
			}
			return nil
		},
	}
}

func toolsCmd(load loadFunc) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Serve the tool surface on stdin/stdout",
		Long: `Serve the line-delimited JSON tool protocol on stdin/stdout.

External drivers send {"id","method","params"} lines and read one response
line per request. With --list, print the tool definitions and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			h, err := buildHub(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer h.bus.Close()

			reg := toolserver.NewRegistry()
			if err := toolserver.RegisterHubTools(reg, toolserver.Deps{
				Bus:           h.bus,
				Budget:        h.budget,
				Router:        h.router,
				SandboxDir:    filepath.Join(cfg.HandoffPath(), "drafts"),
				WorkspaceRoot: cfg.Workspace.Root,
			}); err != nil {
				return err
			}

			if list {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.List())
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv := toolserver.NewServer(reg, toolserver.WithLogger(logger))
			return srv.Serve(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "Print tool definitions as JSON and exit")
	return cmd
}

func resetCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the halt file and breaker counters after human review",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			h, err := buildHub(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer h.bus.Close()

			if err := h.registry.Reset(); err != nil {
				return err
			}
			fmt.Println("breaker state cleared")
			return nil
		},
	}
}
