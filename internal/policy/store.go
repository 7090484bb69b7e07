package policy

import (
	"fmt"
	"sync/atomic"
)

// snapshot is an immutable rule set. Readers never lock.
type snapshot struct {
	rules   map[key]Rule
	ordered []Rule
	version uint64
}

// Store holds the active rule snapshot and swaps it atomically on Reload.
type Store struct {
	current atomic.Pointer[snapshot]
}

// NewStore validates rules and returns a store serving them.
func NewStore(rules []Rule) (*Store, error) {
	snap, err := buildSnapshot(rules, 1)
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(snap)
	return s, nil
}

// Resolve returns the most specific rule for the triple.
//
// Lookup order is the exact triple, then (role, sensitivity, *),
// then (role, *, *), then (*, *, *). No match returns ErrPolicyDenied.
func (s *Store) Resolve(role, sensitivity, budget string) (Rule, error) {
	snap := s.current.Load()
	for _, k := range widen(role, sensitivity, budget) {
		if r, ok := snap.rules[k]; ok {
			return r, nil
		}
	}
	return Rule{}, fmt.Errorf("%w: role=%q sensitivity=%q budget=%q", ErrPolicyDenied, role, sensitivity, budget)
}

func widen(role, sensitivity, budget string) [4]key {
	return [4]key{
		{role, sensitivity, budget},
		{role, sensitivity, Wildcard},
		{role, Wildcard, Wildcard},
		{Wildcard, Wildcard, Wildcard},
	}
}

// Reload replaces the rule set. Invalid rules leave the current snapshot
// in place.
func (s *Store) Reload(rules []Rule) error {
	next, err := buildSnapshot(rules, s.current.Load().version+1)
	if err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

// Rules returns the active rules in load order.
func (s *Store) Rules() []Rule {
	return append([]Rule(nil), s.current.Load().ordered...)
}

// Version increments on every successful reload.
func (s *Store) Version() uint64 {
	return s.current.Load().version
}

func buildSnapshot(rules []Rule, version uint64) (*snapshot, error) {
	snap := &snapshot{
		rules:   make(map[key]Rule, len(rules)),
		ordered: make([]Rule, 0, len(rules)),
		version: version,
	}
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		k := r.key()
		if _, dup := snap.rules[k]; dup {
			return nil, fmt.Errorf("rule %d: duplicate triple (%s, %s, %s)", i, k.role, k.sensitivity, k.budget)
		}
		r = r.normalize()
		snap.rules[k] = r
		snap.ordered = append(snap.ordered, r)
	}
	return snap, nil
}

// validateRule rejects empty keys and wildcard shapes that the widening
// order can never reach, such as (*, high, *).
func validateRule(r Rule) error {
	if r.Role == "" || r.SensitivityTier == "" || r.BudgetTier == "" {
		return fmt.Errorf("role, sensitivity and budget are required (use %q for any)", Wildcard)
	}
	wr, ws, wb := r.Role == Wildcard, r.SensitivityTier == Wildcard, r.BudgetTier == Wildcard
	switch {
	case wr && !(ws && wb):
		return fmt.Errorf("role wildcard requires sensitivity and budget wildcards")
	case ws && !wb:
		return fmt.Errorf("sensitivity wildcard requires budget wildcard")
	}
	return nil
}
