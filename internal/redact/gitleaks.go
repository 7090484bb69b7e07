package redact

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// GitleaksDetector reports spans found by the gitleaks default ruleset.
type GitleaksDetector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaksDetector loads the gitleaks default config once.
func NewGitleaksDetector() (*GitleaksDetector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	return &GitleaksDetector{detector: d}, nil
}

// Detect returns every occurrence of each reported secret.
func (g *GitleaksDetector) Detect(content string) []Finding {
	// the gitleaks detector keeps per-scan state
	g.mu.Lock()
	findings := g.detector.DetectString(content)
	g.mu.Unlock()

	var out []Finding
	seen := make(map[string]bool)
	for _, f := range findings {
		if f.Secret == "" || seen[f.Secret] {
			continue
		}
		seen[f.Secret] = true
		for off := 0; ; {
			i := strings.Index(content[off:], f.Secret)
			if i < 0 {
				break
			}
			s := off + i
			out = append(out, Finding{RuleID: "gitleaks:" + f.RuleID, Kind: KindCredential, Start: s, End: s + len(f.Secret)})
			off = s + len(f.Secret)
		}
	}
	return out
}
