// Package redact replaces PII and credentials in text with stable
// placeholder tokens before the text is chunked, indexed or sent to a model.
//
// Placeholders have the form [REDACTED:<kind>] and contain nothing any rule
// matches, so redacting already-redacted text is a no-op.
package redact

import (
	"fmt"
	"regexp"
)

// Config configures the redactor.
type Config struct {
	Enabled bool `koanf:"enabled"`

	Rules []Rule `koanf:"rules"`

	// AllowList holds patterns for matches that are left in place, such as
	// published support numbers.
	AllowList []string `koanf:"allow_list"`

	// Gitleaks adds the gitleaks default ruleset as an extra credential detector.
	Gitleaks bool `koanf:"gitleaks"`
}

// Rule is one detector.
type Rule struct {
	ID string `koanf:"id"`

	// Kind names the placeholder: [REDACTED:<kind>].
	Kind string `koanf:"kind"`

	// Pattern is the regex. When it has a capture group, only the first
	// group is replaced, so "password: hunter22" keeps its label.
	Pattern string `koanf:"pattern"`

	// Keywords must appear somewhere in the text for the rule to run.
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

var kindPattern = regexp.MustCompile(`^[a-z][a-z_-]*$`)

// DefaultConfig returns PII and credential detection with gitleaks off.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Rules:   DefaultRules(),
	}
}

func (c *Config) compile() ([]*compiledRule, []*regexp.Regexp, error) {
	rules := make([]*compiledRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		if !kindPattern.MatchString(r.Kind) {
			return nil, nil, fmt.Errorf("rule %s: kind must be lowercase letters, '-' or '_'", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := &compiledRule{Rule: r, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		allow = append(allow, re)
	}
	return rules, allow, nil
}
