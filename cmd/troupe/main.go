// Command troupe runs the multi-provider agent orchestration service.
//
// Usage:
//
//	troupe serve --config config.yaml
//	troupe validate --config config.yaml
//	troupe agents --config config.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Agents   AgentsCmd   `cmd:"" help:"List agent definitions."`

	Config    string `short:"c" help:"Path to config file." default:"config.yaml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("troupe version %s\n", version)
	return nil
}

// ValidateCmd checks the configuration and reports the first problem.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	enabled := 0
	for _, p := range cfg.Providers {
		if p.IsEnabled() {
			enabled++
		}
	}
	fmt.Printf("%s: OK (%d providers, %d enabled, %d chains)\n",
		cli.Config, len(cfg.Providers), enabled, len(cfg.Chains))
	return nil
}

// AgentsCmd lists the agent definitions the config points at.
type AgentsCmd struct{}

func (c *AgentsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(cfg.Agents.Dir)
	if err != nil {
		return fmt.Errorf("read agent dir %s: %w", cfg.Agents.Dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

// loadConfig reads, defaults, and cross-validates the configuration.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	// Best effort; absence of a .env file is not an error.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("troupe"),
		kong.Description("Multi-provider LLM agent orchestration service."),
		kong.UsageOnError(),
	)

	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)

	if err := kctx.Run(&cli); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
