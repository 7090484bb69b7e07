package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// placeholderPattern matches tokens this package emits.
var placeholderPattern = regexp.MustCompile(`\[REDACTED:[a-z_-]+\]`)

// Placeholder returns the token that replaces a match of kind.
func Placeholder(kind string) string {
	return "[REDACTED:" + kind + "]"
}

// Detector finds extra spans that rules cannot express.
type Detector interface {
	Detect(content string) []Finding
}

// Redactor applies compiled rules. It is safe for concurrent use.
type Redactor struct {
	enabled   bool
	rules     []*compiledRule
	allowList []*regexp.Regexp
	detectors []Detector
}

// New compiles cfg. A nil config uses DefaultConfig.
func New(cfg *Config, detectors ...Detector) (*Redactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, fmt.Errorf("compiling redaction rules: %w", err)
	}
	r := &Redactor{
		enabled:   cfg.Enabled,
		rules:     rules,
		allowList: allow,
		detectors: detectors,
	}
	if cfg.Gitleaks {
		g, err := NewGitleaksDetector()
		if err != nil {
			return nil, err
		}
		r.detectors = append(r.detectors, g)
	}
	return r, nil
}

// MustNew is New for static configurations.
func MustNew(cfg *Config) *Redactor {
	r, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Redact returns content with every detected span replaced by its
// placeholder. Existing placeholders are never matched again. A placeholder
// can expose a word boundary its span hid, so passes repeat until one finds
// nothing; the output is then a fixed point and Redact(Redact(x)) == Redact(x).
// Every pass shrinks the unredacted text, which bounds the loop.
func (r *Redactor) Redact(content string) *Result {
	start := time.Now()
	res := &Result{Redacted: content, ByKind: map[string]int{}}
	if !r.enabled || content == "" {
		res.Duration = time.Since(start)
		return res
	}

	var passes [][]Finding
	text := content
	for {
		merged := r.spans(text)
		if len(merged) == 0 {
			break
		}
		text = replaceSpans(text, merged)
		passes = append(passes, merged)
	}
	if len(passes) == 0 {
		res.Duration = time.Since(start)
		return res
	}

	for i, merged := range passes {
		for _, f := range merged {
			for j := i - 1; j >= 0; j-- {
				f.Start = inputOffset(f.Start, passes[j])
				f.End = inputOffset(f.End, passes[j])
			}
			res.Findings = append(res.Findings, f)
			res.ByKind[f.Kind]++
		}
	}
	sort.SliceStable(res.Findings, func(i, j int) bool {
		return res.Findings[i].Start < res.Findings[j].Start
	})

	res.Redacted = text
	res.Total = len(res.Findings)
	res.Duration = time.Since(start)
	return res
}

// spans returns the non-overlapping spans of content that should be
// replaced, skipping placeholders and allow-listed matches.
func (r *Redactor) spans(content string) []Finding {
	protected := placeholderPattern.FindAllStringIndex(content, -1)
	var spans []Finding
	for _, rule := range r.rules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(content, -1) {
			s, e := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				s, e = m[2], m[3]
			}
			if s == e {
				continue
			}
			spans = append(spans, Finding{RuleID: rule.ID, Kind: rule.Kind, Start: s, End: e})
		}
	}
	for _, d := range r.detectors {
		spans = append(spans, d.Detect(content)...)
	}

	kept := spans[:0]
	for _, f := range spans {
		// a kind outside kindPattern would emit an unprotected placeholder
		if f.Start < 0 || f.End > len(content) || f.Start >= f.End || !kindPattern.MatchString(f.Kind) {
			continue
		}
		if overlapsAny(f.Start, f.End, protected) || r.allowed(content[f.Start:f.End]) {
			continue
		}
		kept = append(kept, f)
	}
	return mergeSpans(kept)
}

func replaceSpans(content string, merged []Finding) string {
	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, f := range merged {
		b.WriteString(content[last:f.Start])
		b.WriteString(Placeholder(f.Kind))
		last = f.End
	}
	b.WriteString(content[last:])
	return b.String()
}

// inputOffset maps an offset in the output of a pass back to the text that
// pass ran over. The offset never falls inside a placeholder.
func inputOffset(p int, merged []Finding) int {
	shift := 0
	for _, f := range merged {
		if p <= f.Start-shift {
			break
		}
		shift += (f.End - f.Start) - len(Placeholder(f.Kind))
	}
	return p + shift
}

// String is Redact returning only the text.
func (r *Redactor) String(content string) string {
	return r.Redact(content).Redacted
}

func (c *compiledRule) applies(content string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	for _, kw := range c.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allowList {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func overlapsAny(start, end int, ranges [][]int) bool {
	for _, p := range ranges {
		if start < p[1] && p[0] < end {
			return true
		}
	}
	return false
}

// mergeSpans orders spans by start, longest first, and drops any span that
// overlaps one already kept.
func mergeSpans(spans []Finding) []Finding {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End-spans[i].Start > spans[j].End-spans[j].Start
	})
	out := make([]Finding, 0, len(spans))
	end := -1
	for _, s := range spans {
		if s.Start < end {
			continue
		}
		out = append(out, s)
		end = s.End
	}
	return out
}
