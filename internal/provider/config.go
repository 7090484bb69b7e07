package provider

import (
	"fmt"

	"github.com/fyrsmithlabs/gatewayd/internal/config"
)

// FromConfig builds the adapters enabled in cfg.
func FromConfig(cfg config.ProvidersConfig) (*Set, error) {
	set := NewSet()
	if cfg.Anthropic.Enabled {
		a, err := NewAnthropic(AnthropicConfig{
			BaseURL:   cfg.Anthropic.BaseURL,
			APIKey:    cfg.Anthropic.APIKey.Value(),
			RateLimit: cfg.Anthropic.RateLimit,
			Burst:     cfg.Anthropic.Burst,
			Timeout:   cfg.Anthropic.Timeout.Duration(),
			MaxTokens: cfg.Anthropic.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		set.Add(a)
	}
	if cfg.OpenAI.Enabled {
		o, err := NewOpenAI(OpenAIConfig{BaseURL: cfg.OpenAI.BaseURL, APIKey: cfg.OpenAI.APIKey.Value()})
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		set.Add(o)
	}
	return set, nil
}
