package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/troupeai/troupe/pkg/agent"
	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/conversation"
	"github.com/troupeai/troupe/pkg/fallback"
	"github.com/troupeai/troupe/pkg/kv"
	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/orchestrator"
	"github.com/troupeai/troupe/pkg/ratelimit"
	"github.com/troupeai/troupe/pkg/retry"
	"github.com/troupeai/troupe/pkg/server"
	"github.com/troupeai/troupe/pkg/tools"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Listen host (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	providers, err := llms.BuildRegistry(cfg)
	if err != nil {
		return err
	}

	clk := clock.NewSystem()
	gate := ratelimit.NewRateGate(store, clk, cfg, slog.Default())
	engine := retry.NewEngine(retry.DefaultPolicy(),
		retry.WithReporter(gate.Throttle()),
	)
	validator := fallback.NewValidator(cfg.Quality)
	chainExec := fallback.NewExecutor(providers, cfg.Chains, gate, engine, validator, slog.Default())

	sandbox := tools.NewSandbox(cfg.Tools)
	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, sandbox, ""); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	toolExec := tools.NewExecutor(toolReg, cfg.Tools.MaxCallsPerRun, nil)

	loader := agent.NewLoader(cfg.Agents.Dir, store, nil)
	if err := loader.Load(ctx); err != nil {
		return err
	}
	if cfg.Agents.Watch != nil && *cfg.Agents.Watch {
		watcher, err := agent.NewWatcher(loader, nil)
		if err != nil {
			slog.Warn("agent hot reload disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	orch := orchestrator.New(
		loader,
		conversation.NewStore(store, nil),
		chainExec,
		toolExec,
		orchestrator.Options{
			MaxTurns:          cfg.Orchestrator.MaxTurns,
			ContextCharBudget: cfg.Orchestrator.ContextCharBudget,
			OverallTimeout:    cfg.Orchestrator.OverallTimeout(),
			Prompt:            agent.PromptConfig{Language: cfg.Agents.Language},
		},
		slog.Default(),
	)
	audit := &orchestrator.LogObserver{}
	orch.Subscribe(audit)
	gate.Throttle().AddListener(audit)

	srv := server.New(cfg.Server, orch, loader, toolExec, gate, providers, slog.Default())
	return srv.Start(ctx)
}

// openStore connects to Redis when configured, degrading to the in-process
// store otherwise. Degraded mode loses cross-process rate coordination but
// keeps the service functional.
func openStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	if cfg.Redis.URL == "" {
		slog.Info("no redis url configured, using in-process store")
		return kv.NewMemoryStore(), nil
	}
	store, err := kv.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	slog.Info("redis connected")
	return store, nil
}
