package registry

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// Weights configures the ranking score:
//
//	score = Cost*(1/costPerToken) + Latency*(1/baselineLatencyMs) + Success*successRate
type Weights struct {
	Cost    float64
	Latency float64
	Success float64
}

// DefaultWeights keep the three terms in comparable ranges for typical
// per-token prices (1e-7..1e-4) and latencies (100..5000ms).
func DefaultWeights() Weights {
	return Weights{Cost: 1e-6, Latency: 100, Success: 1}
}

// Scored is a ranked candidate.
type Scored struct {
	Model       ModelDescriptor `json:"model"`
	Score       float64         `json:"score"`
	SuccessRate float64         `json:"success_rate"`
}

// catalog is immutable; the stats pointers it holds carry their own locks.
type catalog struct {
	models []ModelDescriptor // registration order
	byID   map[string]int
	stats  map[string]*successStats
}

// Registry ranks models by capability, ceilings and weighted score.
type Registry struct {
	weights Weights
	decay   float64
	current atomic.Pointer[catalog]
	now     func() time.Time
}

// New validates models and builds a registry. decay is the weight of the
// newest outcome in the success rate, in (0, 1).
func New(models []ModelDescriptor, weights Weights, decay float64) (*Registry, error) {
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("decay must be in (0, 1), got %f", decay)
	}
	r := &Registry{weights: weights, decay: decay, now: time.Now}
	if err := r.Replace(models); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the catalog on configuration refresh. Success rates carry
// over for models that keep their ID.
func (r *Registry) Replace(models []ModelDescriptor) error {
	prev := r.current.Load()
	next := &catalog{
		models: make([]ModelDescriptor, 0, len(models)),
		byID:   make(map[string]int, len(models)),
		stats:  make(map[string]*successStats, len(models)),
	}
	for _, m := range models {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := next.byID[m.ID]; dup {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		next.byID[m.ID] = len(next.models)
		next.models = append(next.models, m.clone())
		if prev != nil && prev.stats[m.ID] != nil {
			next.stats[m.ID] = prev.stats[m.ID]
		} else {
			next.stats[m.ID] = newSuccessStats()
		}
	}
	r.current.Store(next)
	ModelsLoaded.Set(float64(len(next.models)))
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (ModelDescriptor, bool) {
	c := r.current.Load()
	i, ok := c.byID[id]
	if !ok {
		return ModelDescriptor{}, false
	}
	return c.models[i].clone(), true
}

// Models returns all descriptors in registration order.
func (r *Registry) Models() []ModelDescriptor {
	c := r.current.Load()
	out := make([]ModelDescriptor, len(c.models))
	for i, m := range c.models {
		out[i] = m.clone()
	}
	return out
}

// Rank filters by capability superset and the cost/latency ceilings (0 means
// no ceiling) and orders by score descending. Ties break by ascending
// baseline latency, then descending capability breadth, then registration
// order.
func (r *Registry) Rank(required []string, maxCost, maxLatencyMs float64) []ModelDescriptor {
	scored := r.RankScored(nil, required, maxCost, maxLatencyMs)
	out := make([]ModelDescriptor, len(scored))
	for i, s := range scored {
		out[i] = s.Model
	}
	return out
}

// RankAllowed is Rank intersected with a policy's allowed model IDs. An
// empty allow list admits nothing.
func (r *Registry) RankAllowed(allowedIDs []string, required []string, maxCost, maxLatencyMs float64) []ModelDescriptor {
	allowed := make(map[string]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}
	scored := r.RankScored(allowed, required, maxCost, maxLatencyMs)
	out := make([]ModelDescriptor, len(scored))
	for i, s := range scored {
		out[i] = s.Model
	}
	return out
}

// RankScored is Rank restricted to allowed (nil allows every model) and
// returning the scores used for ordering.
func (r *Registry) RankScored(allowed map[string]bool, required []string, maxCost, maxLatencyMs float64) []Scored {
	c := r.current.Load()

	type candidate struct {
		Scored
		order int
	}
	cands := make([]candidate, 0, len(c.models))
	for i, m := range c.models {
		if allowed != nil && !allowed[m.ID] {
			continue
		}
		if !m.HasCapabilities(required) {
			continue
		}
		if maxCost > 0 && m.CostPerToken > maxCost {
			continue
		}
		if maxLatencyMs > 0 && m.BaselineLatencyMs > maxLatencyMs {
			continue
		}
		rate := c.stats[m.ID].snapshot().SuccessRate
		cands = append(cands, candidate{
			Scored: Scored{Model: m.clone(), Score: r.score(m, rate), SuccessRate: rate},
			order:  i,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Model.BaselineLatencyMs != b.Model.BaselineLatencyMs {
			return a.Model.BaselineLatencyMs < b.Model.BaselineLatencyMs
		}
		if ba, bb := a.Model.breadth(), b.Model.breadth(); ba != bb {
			return ba > bb
		}
		return a.order < b.order
	})

	if len(cands) == 0 {
		RankTotal.WithLabelValues("empty").Inc()
	} else {
		RankTotal.WithLabelValues("ok").Inc()
	}

	out := make([]Scored, len(cands))
	for i, cd := range cands {
		out[i] = cd.Scored
	}
	return out
}

func (r *Registry) score(m ModelDescriptor, successRate float64) float64 {
	return r.weights.Cost*(1/m.CostPerToken) +
		r.weights.Latency*(1/m.BaselineLatencyMs) +
		r.weights.Success*successRate
}

// RecordOutcome folds a call result into the model's success rate.
// Calls for the same model serialize on that model's lock.
func (r *Registry) RecordOutcome(modelID string, success bool) error {
	st, ok := r.current.Load().stats[modelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	rate := st.observe(success, r.decay, r.now())
	SuccessRate.WithLabelValues(modelID).Set(rate)
	return nil
}

// Stats returns the outcome history for modelID.
func (r *Registry) Stats(modelID string) (Stats, bool) {
	st, ok := r.current.Load().stats[modelID]
	if !ok {
		return Stats{}, false
	}
	return st.snapshot(), true
}
