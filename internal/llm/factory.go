package llm

import (
	"context"
	"fmt"

	"github.com/braidhq/braid/internal/config"
)

// NewRegistryFromConfig builds a registry containing every provider named in
// the configuration. Unknown provider names are an error; so are missing
// credentials, so misconfiguration surfaces at startup rather than on the
// first request.
func NewRegistryFromConfig(ctx context.Context, cfg config.LLMConfig) (*Registry, error) {
	registry := NewRegistry(cfg.DefaultProvider)

	for name, pc := range cfg.Providers {
		var (
			provider Provider
			err      error
		)
		switch name {
		case "anthropic":
			provider, err = NewAnthropicProvider(AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
		case "openai":
			provider, err = NewOpenAIProvider(OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
		case "google":
			provider, err = NewGoogleProvider(ctx, GoogleConfig{
				APIKey:       pc.APIKey,
				DefaultModel: pc.DefaultModel,
			})
		case "bedrock":
			provider, err = NewBedrockProvider(ctx, BedrockConfig{
				Region:       pc.Region,
				DefaultModel: pc.DefaultModel,
			})
		default:
			return nil, fmt.Errorf("llm: unknown provider %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("llm: configure %s: %w", name, err)
		}
		registry.Register(provider)
	}

	return registry, nil
}
