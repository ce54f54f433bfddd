// Package config defines the configuration surface consumed at startup:
// providers, per-provider rate bounds, agent chains, and the knobs for the
// orchestrator, tool sandbox, and quality validator. Configuration is
// read-only after Load; validation is fail-fast.
package config

import (
	"fmt"
	"time"
)

// BoolPtr returns a pointer to the given bool. Used for optional flags.
func BoolPtr(b bool) *bool {
	return &b
}

// Config is the root configuration document.
type Config struct {
	Redis        RedisConfig                 `yaml:"redis,omitempty" json:"redis,omitempty"`
	Server       ServerConfig                `yaml:"server,omitempty" json:"server,omitempty"`
	Concurrency  ConcurrencyConfig           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Providers    map[string]*ProviderConfig  `yaml:"providers" json:"providers"`
	RateLimits   map[string]*RateLimitConfig `yaml:"rate_limits" json:"rate_limits"`
	Chains       map[string]*ChainConfig     `yaml:"chains" json:"chains"`
	Agents       AgentsConfig                `yaml:"agents,omitempty" json:"agents,omitempty"`
	Tools        ToolsConfig                 `yaml:"tools,omitempty" json:"tools,omitempty"`
	Quality      QualityConfig               `yaml:"quality,omitempty" json:"quality,omitempty"`
	Orchestrator OrchestratorConfig          `yaml:"orchestrator,omitempty" json:"orchestrator,omitempty"`
}

// RedisConfig points at the networked KV store. When URL is empty the
// bootstrap layer degrades to the in-process store.
type RedisConfig struct {
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// ServerConfig configures the inbound HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// ConcurrencyConfig bounds simultaneous outbound LLM calls process-wide.
type ConcurrencyConfig struct {
	// MaxParallel is the global gate capacity.
	MaxParallel int `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}

// AgentsConfig configures the agent definition loader.
type AgentsConfig struct {
	// Dir is the directory holding agent definition files.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Watch enables best-effort hot reload on file changes.
	Watch *bool `yaml:"watch,omitempty" json:"watch,omitempty"`

	// Language is the preferred communication language injected into
	// system prompts.
	Language string `yaml:"language,omitempty" json:"language,omitempty"`
}

// ToolsConfig configures the tool executor sandbox.
type ToolsConfig struct {
	// ProjectRoot anchors all path resolution.
	ProjectRoot string `yaml:"project_root,omitempty" json:"project_root,omitempty"`

	// ReadWhitelist lists path prefixes readable by tools.
	ReadWhitelist []string `yaml:"read_whitelist,omitempty" json:"read_whitelist,omitempty"`

	// WriteWhitelist lists path prefixes writable by tools. Stricter than
	// the read whitelist; never includes the agent definition directory.
	WriteWhitelist []string `yaml:"write_whitelist,omitempty" json:"write_whitelist,omitempty"`

	// MaxFileSize caps tool file reads, in bytes.
	MaxFileSize int64 `yaml:"max_file_size,omitempty" json:"max_file_size,omitempty"`

	// MaxCallsPerRun caps tool invocations per orchestrator call.
	MaxCallsPerRun int `yaml:"max_calls_per_run,omitempty" json:"max_calls_per_run,omitempty"`
}

// QualityConfig holds the tier-dependent validator thresholds.
type QualityConfig struct {
	WorkerMinLength int `yaml:"worker_min_length,omitempty" json:"worker_min_length,omitempty"`
	BossMinLength   int `yaml:"boss_min_length,omitempty" json:"boss_min_length,omitempty"`
}

// OrchestratorConfig bounds a single orchestrator call.
type OrchestratorConfig struct {
	// MaxTurns caps LLM round-trips per call.
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`

	// ContextCharBudget caps assembled message size, counted in
	// characters as a token proxy.
	ContextCharBudget int `yaml:"context_char_budget,omitempty" json:"context_char_budget,omitempty"`

	// Timeout is the overall deadline in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// OverallTimeout returns the orchestrator deadline as a duration.
func (c *OrchestratorConfig) OverallTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// SetDefaults fills in default values across all sections.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Concurrency.MaxParallel == 0 {
		c.Concurrency.MaxParallel = 12
	}
	if c.Agents.Dir == "" {
		c.Agents.Dir = ".bmad/agents"
	}
	if c.Agents.Watch == nil {
		c.Agents.Watch = BoolPtr(true)
	}
	if c.Agents.Language == "" {
		c.Agents.Language = "English"
	}
	if c.Tools.ProjectRoot == "" {
		c.Tools.ProjectRoot = "."
	}
	if len(c.Tools.ReadWhitelist) == 0 {
		c.Tools.ReadWhitelist = []string{".bmad/", "docs/", "config/"}
	}
	if len(c.Tools.WriteWhitelist) == 0 {
		c.Tools.WriteWhitelist = []string{"docs/", "tmp/"}
	}
	if c.Tools.MaxFileSize == 0 {
		c.Tools.MaxFileSize = 10 << 20
	}
	if c.Tools.MaxCallsPerRun == 0 {
		c.Tools.MaxCallsPerRun = 20
	}
	if c.Quality.WorkerMinLength == 0 {
		c.Quality.WorkerMinLength = 50
	}
	if c.Quality.BossMinLength == 0 {
		c.Quality.BossMinLength = 200
	}
	if c.Orchestrator.MaxTurns == 0 {
		c.Orchestrator.MaxTurns = 10
	}
	if c.Orchestrator.ContextCharBudget == 0 {
		c.Orchestrator.ContextCharBudget = 200000
	}
	if c.Orchestrator.Timeout == 0 {
		c.Orchestrator.Timeout = 120
	}
	for _, p := range c.Providers {
		if p != nil {
			p.SetDefaults()
		}
	}
	for _, rl := range c.RateLimits {
		if rl != nil {
			rl.SetDefaults()
		}
	}
}

// Validate cross-checks the whole document. It must pass at startup or the
// process fails fast.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	for name, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("provider %q: empty definition", name)
		}
		if err := p.Validate(name); err != nil {
			return err
		}
	}

	for name, rl := range c.RateLimits {
		if rl == nil {
			return fmt.Errorf("rate_limits %q: empty definition", name)
		}
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("rate_limits %q: provider not defined", name)
		}
		if err := rl.Validate(name); err != nil {
			return err
		}
	}

	// Every enabled provider needs rate bounds.
	for name, p := range c.Providers {
		if p.IsEnabled() {
			if _, ok := c.RateLimits[name]; !ok {
				return fmt.Errorf("provider %q: missing rate_limits entry", name)
			}
		}
	}

	for agentID, chain := range c.Chains {
		if chain == nil {
			return fmt.Errorf("chain %q: empty definition", agentID)
		}
		if err := chain.Validate(agentID, c.Providers); err != nil {
			return err
		}
	}

	if c.Concurrency.MaxParallel < 1 {
		return fmt.Errorf("concurrency.max_parallel must be >= 1")
	}

	return nil
}

// ChainFor returns the provider chain for an agent, or nil when no chain is
// configured.
func (c *Config) ChainFor(agentID string) []string {
	chain, ok := c.Chains[agentID]
	if !ok {
		return nil
	}
	return chain.Links()
}
