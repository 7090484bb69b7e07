package registry

import (
	"sync"
	"time"
)

// successStats is a per-model exponentially decayed success rate.
// Each model owns its lock, so updates to one model never wait on another.
type successStats struct {
	mu       sync.Mutex
	rate     float64
	samples  uint64
	failures uint64
	updated  time.Time
}

func newSuccessStats() *successStats {
	return &successStats{rate: 1.0}
}

// observe folds one outcome into the rate: rate = (1-decay)*rate + decay*x.
func (s *successStats) observe(success bool, decay float64, now time.Time) float64 {
	x := 0.0
	if success {
		x = 1.0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = (1-decay)*s.rate + decay*x
	s.samples++
	if !success {
		s.failures++
	}
	s.updated = now
	return s.rate
}

func (s *successStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{SuccessRate: s.rate, Samples: s.samples, Failures: s.failures, UpdatedAt: s.updated}
}

// Stats is a point-in-time view of a model's outcome history.
type Stats struct {
	SuccessRate float64   `json:"success_rate"`
	Samples     uint64    `json:"samples"`
	Failures    uint64    `json:"failures"`
	UpdatedAt   time.Time `json:"updated_at"`
}
