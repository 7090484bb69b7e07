package registry

import "github.com/fyrsmithlabs/gatewayd/internal/config"

// FromConfig builds a registry from the registry config section.
func FromConfig(cfg config.RegistryConfig) (*Registry, error) {
	models := make([]ModelDescriptor, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, ModelDescriptor{
			ID:                m.ID,
			Provider:          m.Provider,
			CapabilityTags:    m.Capabilities,
			CostPerToken:      m.CostPerToken,
			BaselineLatencyMs: m.BaselineLatencyMs,
			MaxContextTokens:  m.MaxContextTokens,
		})
	}
	w := Weights{Cost: cfg.CostWeight, Latency: cfg.LatencyWeight, Success: cfg.SuccessWeight}
	return New(models, w, cfg.Decay)
}
