// Package policy resolves routing rules for gateway requests.
//
// A rule maps (role, sensitivity tier, budget tier) to the model and tool
// IDs a request may use. Resolution widens one key at a time (budget, then
// sensitivity, then role) and denies when nothing matches.
package policy

import (
	"errors"
	"sort"
)

// Wildcard matches any value for a rule key.
const Wildcard = "*"

// ErrPolicyDenied means no rule matched at any specificity level.
var ErrPolicyDenied = errors.New("policy denied")

// Rule is one routing rule.
type Rule struct {
	Role            string   `koanf:"role" json:"role"`
	SensitivityTier string   `koanf:"sensitivity" json:"sensitivity"`
	BudgetTier      string   `koanf:"budget" json:"budget"`
	AllowedModelIDs []string `koanf:"models" json:"models"`
	AllowedToolIDs  []string `koanf:"tools" json:"tools"`
}

type key struct {
	role, sensitivity, budget string
}

func (r Rule) key() key {
	return key{r.Role, r.SensitivityTier, r.BudgetTier}
}

// AllowsModel reports whether id is in the allowed model set.
func (r Rule) AllowsModel(id string) bool {
	return contains(r.AllowedModelIDs, id)
}

// AllowsTool reports whether id is in the allowed tool set.
func (r Rule) AllowsTool(id string) bool {
	return contains(r.AllowedToolIDs, id)
}

// ModelSet returns the allowed model IDs as a set.
func (r Rule) ModelSet() map[string]bool {
	set := make(map[string]bool, len(r.AllowedModelIDs))
	for _, id := range r.AllowedModelIDs {
		set[id] = true
	}
	return set
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// normalize returns a copy with sorted, de-duplicated ID sets so two
// snapshots built from the same rules compare equal.
func (r Rule) normalize() Rule {
	r.AllowedModelIDs = dedupe(r.AllowedModelIDs)
	r.AllowedToolIDs = dedupe(r.AllowedToolIDs)
	return r
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
