package llms

import (
	"fmt"

	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/registry"
)

// NewProvider constructs the adapter matching the configured type.
func NewProvider(name string, cfg *config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(name, cfg), nil
	case "anthropic":
		return NewAnthropicProvider(name, cfg), nil
	case "gemini":
		return NewGeminiProvider(name, cfg), nil
	case "ollama":
		return NewOllamaProvider(name, cfg), nil
	case "stub":
		return NewStubProvider(name, cfg), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported type %q", name, cfg.Type)
	}
}

// BuildRegistry instantiates every enabled provider from the configuration.
func BuildRegistry(cfg *config.Config) (*registry.Registry[Provider], error) {
	reg := registry.New[Provider]()
	for name, pc := range cfg.Providers {
		if !pc.IsEnabled() {
			continue
		}
		provider, err := NewProvider(name, pc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(name, provider); err != nil {
			return nil, fmt.Errorf("register provider: %w", err)
		}
	}
	return reg, nil
}
