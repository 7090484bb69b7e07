package redact

import "time"

// Finding is one redacted span, in byte offsets of the input.
type Finding struct {
	RuleID string `json:"rule_id"`
	Kind   string `json:"kind"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Result is the outcome of one Redact call.
type Result struct {
	Redacted string         `json:"redacted"`
	Findings []Finding      `json:"findings,omitempty"`
	ByKind   map[string]int `json:"by_kind,omitempty"`
	Total    int            `json:"total"`
	Duration time.Duration  `json:"duration"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return r.Total > 0
}
