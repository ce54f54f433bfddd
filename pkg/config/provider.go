package config

import (
	"fmt"
	"os"
	"time"
)

// Tier tags a provider for chain placement and quality thresholds.
type Tier string

const (
	TierWorker   Tier = "worker"
	TierBoss     Tier = "boss"
	TierCreative Tier = "creative"
	TierFallback Tier = "fallback"
)

func (t Tier) valid() bool {
	switch t {
	case TierWorker, TierBoss, TierCreative, TierFallback:
		return true
	}
	return false
}

// ProviderConfig describes one remote LLM endpoint. Immutable per process
// generation.
type ProviderConfig struct {
	// Enabled controls whether the provider participates in chains.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Type selects the wire format ("openai", "anthropic", "gemini",
	// "ollama", "stub").
	Type string `yaml:"type" json:"type"`

	// Model is the wire model identifier sent to the endpoint.
	Model string `yaml:"model" json:"model"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`

	// Timeout is the per-call HTTP timeout in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Tier influences quality validation and chain placement.
	Tier Tier `yaml:"tier,omitempty" json:"tier,omitempty"`
}

// IsEnabled returns true when the provider participates in chains.
func (c *ProviderConfig) IsEnabled() bool {
	return c != nil && (c.Enabled == nil || *c.Enabled)
}

// TimeoutDuration returns the per-call timeout as a duration.
func (c *ProviderConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// APIKey resolves the key from the configured environment variable.
func (c *ProviderConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// SetDefaults sets default values for ProviderConfig.
func (c *ProviderConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.Tier == "" {
		c.Tier = TierWorker
	}
}

// Validate validates a single provider entry.
func (c *ProviderConfig) Validate(name string) error {
	if c.Type == "" {
		return fmt.Errorf("provider %q: type is required", name)
	}
	switch c.Type {
	case "openai", "anthropic", "gemini", "ollama", "stub":
	default:
		return fmt.Errorf("provider %q: unsupported type %q (supported: openai, anthropic, gemini, ollama, stub)", name, c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("provider %q: model is required", name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("provider %q: timeout must be positive", name)
	}
	if !c.Tier.valid() {
		return fmt.Errorf("provider %q: invalid tier %q", name, c.Tier)
	}
	if c.IsEnabled() && c.Type != "stub" && c.Type != "ollama" {
		if c.APIKeyEnv == "" {
			return fmt.Errorf("provider %q: api_key_env is required for enabled providers", name)
		}
		if os.Getenv(c.APIKeyEnv) == "" {
			return fmt.Errorf("provider %q: environment variable %s is empty", name, c.APIKeyEnv)
		}
	}
	return nil
}

// RateLimitConfig holds the per-provider rate bounds.
type RateLimitConfig struct {
	// RPM is the sustained requests-per-minute ceiling.
	RPM int `yaml:"rpm" json:"rpm"`

	// Burst is the token-bucket capacity. Must be >= RPM.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`

	// TokensPerMinute is the LLM token budget per minute.
	TokensPerMinute int `yaml:"tokens_per_minute,omitempty" json:"tokens_per_minute,omitempty"`
}

// SetDefaults sets default values for RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Burst == 0 {
		c.Burst = c.RPM
	}
	if c.TokensPerMinute == 0 {
		c.TokensPerMinute = 100000
	}
}

// Validate validates the rate bounds for one provider.
func (c *RateLimitConfig) Validate(name string) error {
	if c.RPM <= 0 {
		return fmt.Errorf("rate_limits %q: rpm must be positive", name)
	}
	if c.Burst < c.RPM {
		return fmt.Errorf("rate_limits %q: burst (%d) must be >= rpm (%d)", name, c.Burst, c.RPM)
	}
	if c.TokensPerMinute <= 0 {
		return fmt.Errorf("rate_limits %q: tokens_per_minute must be positive", name)
	}
	return nil
}

// ChainConfig is the ordered provider chain for one agent.
type ChainConfig struct {
	// Primary is the first provider tried. Required.
	Primary string `yaml:"primary" json:"primary"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []string `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
}

// Links returns the chain as an ordered provider name list.
func (c *ChainConfig) Links() []string {
	links := make([]string, 0, 1+len(c.Fallbacks))
	links = append(links, c.Primary)
	links = append(links, c.Fallbacks...)
	return links
}

// Validate checks the chain against the provider set.
func (c *ChainConfig) Validate(agentID string, providers map[string]*ProviderConfig) error {
	if c.Primary == "" {
		return fmt.Errorf("chain %q: primary is required", agentID)
	}
	seen := make(map[string]bool)
	for _, link := range c.Links() {
		if _, ok := providers[link]; !ok {
			return fmt.Errorf("chain %q: provider %q not defined", agentID, link)
		}
		if seen[link] {
			return fmt.Errorf("chain %q: duplicate provider %q", agentID, link)
		}
		seen[link] = true
	}
	return nil
}
