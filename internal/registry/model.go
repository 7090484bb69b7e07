// Package registry is the catalog of inference models and their ranking.
//
// Descriptors are immutable once loaded. The only mutable state is each
// model's decayed success rate, updated by the gateway after every call.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var (
	// ErrNoEligibleModel means filtering left no candidate.
	ErrNoEligibleModel = errors.New("no eligible model")
	// ErrUnknownModel is returned when an outcome names a model not in the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrInvalidModelID rejects IDs that are not safe as metric labels and log fields.
	ErrInvalidModelID = errors.New("invalid model id: must be alphanumeric with . _ - / :")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/-]*$`)

// ModelDescriptor describes one model offered by a provider adapter.
type ModelDescriptor struct {
	ID                string   `json:"id"`
	Provider          string   `json:"provider"`
	CapabilityTags    []string `json:"capabilities"`
	CostPerToken      float64  `json:"cost_per_token"`
	BaselineLatencyMs float64  `json:"baseline_latency_ms"`
	MaxContextTokens  int      `json:"max_context_tokens"`
}

// HasCapabilities reports whether the model's tags are a superset of required.
func (m ModelDescriptor) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range m.CapabilityTags {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Validate checks the descriptor for errors.
func (m ModelDescriptor) Validate() error {
	if len(m.ID) > 128 || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidModelID, m.ID)
	}
	if m.Provider == "" {
		return fmt.Errorf("model %s: provider is required", m.ID)
	}
	if m.CostPerToken <= 0 {
		return fmt.Errorf("model %s: cost_per_token must be positive", m.ID)
	}
	if m.BaselineLatencyMs <= 0 {
		return fmt.Errorf("model %s: baseline_latency_ms must be positive", m.ID)
	}
	if m.MaxContextTokens < 0 {
		return fmt.Errorf("model %s: max_context_tokens must be >= 0", m.ID)
	}
	return nil
}

// breadth counts distinct capability tags.
func (m ModelDescriptor) breadth() int {
	seen := make(map[string]struct{}, len(m.CapabilityTags))
	for _, c := range m.CapabilityTags {
		seen[c] = struct{}{}
	}
	return len(seen)
}

func (m ModelDescriptor) clone() ModelDescriptor {
	m.CapabilityTags = append([]string(nil), m.CapabilityTags...)
	sort.Strings(m.CapabilityTags)
	return m
}
